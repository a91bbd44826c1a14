package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/devils-shadow/quail/internal/config"
	"github.com/devils-shadow/quail/internal/domain"
	sqlstore "github.com/devils-shadow/quail/internal/storage/sql"
)

// minPINLength 管理口令的最短长度。
const minPINLength = 6

// main 把管理口令的 bcrypt 哈希写入 settings 表（admin_pin_hash）。
//
// 口令哈希为空时管理接口无法解锁，所以部署后要先跑一次本工具。
// 只接受数据库存储：内存存储进程重启即失，写进去没有意义。
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: set-pin <pin>")
		fmt.Println("\nHashes the admin PIN and stores it in the configured database.")
		fmt.Println("Requires QUAIL_DATABASE_TYPE and QUAIL_DATABASE_DSN to be set.")
		os.Exit(1)
	}

	pin := os.Args[1]
	if len(pin) < minPINLength {
		fmt.Printf("Error: PIN must be at least %d characters long\n", minPINLength)
		os.Exit(1)
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		fmt.Println("Error: no database configured (refusing to write the PIN into memory storage)")
		fmt.Println("Set QUAIL_DATABASE_TYPE and QUAIL_DATABASE_DSN and try again.")
		os.Exit(1)
	}

	// 连接数据库
	store, err := sqlstore.NewStore(
		cfg.Database.Type,
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	// 哈希口令
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		fmt.Printf("Failed to hash PIN: %v\n", err)
		os.Exit(1)
	}

	if err := store.SaveSetting(&domain.Setting{
		Key:   domain.SettingAdminPINHash,
		Value: string(hash),
	}); err != nil {
		fmt.Printf("Failed to store PIN hash: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Admin PIN updated successfully!")
	fmt.Printf("  Database: %s\n", cfg.Database.Type)
	fmt.Println("\nExisting admin sessions remain valid until they expire.")
}
