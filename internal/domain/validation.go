package domain

import (
	"errors"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidAddress   = errors.New("invalid address format")
	ErrAddressTooLong   = errors.New("address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
	ErrPINTooShort      = errors.New("pin too short (min 6 chars)")
	ErrPINTooLong       = errors.New("pin too long (max 64 chars)")
)

// 验证常量
const (
	// RFC 5322 地址长度限制
	MaxAddressLength   = 254 // 整个地址最大长度
	MaxLocalPartLength = 64  // 本地部分最大长度(@前面)
	MaxDomainLength    = 253 // 域名最大长度

	// 管理口令长度限制
	MinPINLength = 6
	MaxPINLength = 64
)

// 正则表达式
var (
	// 本地部分：入站地址以宽松为先，单字符也合法
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9!#$%&'*+/=?^_` + "`" + `{|}~.-]+$`)

	// 域名验证（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)*$`)
)

// SplitAddress 把一个信封地址拆成本地部分和小写域名。
//
// 这是决策引擎的前置条件：域名提取失败的地址必须在边界处拒收，
// 不会进入引擎。返回的域名总是小写。
func SplitAddress(address string) (local, domain string, err error) {
	address = strings.TrimSpace(address)
	if address == "" || len(address) > MaxAddressLength {
		return "", "", ErrInvalidAddress
	}

	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", "", ErrInvalidAddress
	}

	local = address[:at]
	domain = strings.ToLower(address[at+1:])

	if err := ValidateLocalPart(local); err != nil {
		return "", "", err
	}
	if err := ValidateDomainName(domain); err != nil {
		return "", "", err
	}

	return local, domain, nil
}

// ValidateLocalPart 验证地址本地部分。
func ValidateLocalPart(local string) error {
	if local == "" {
		return ErrInvalidLocalPart
	}
	if len(local) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(local) {
		return ErrInvalidLocalPart
	}
	// 点号不能打头、结尾或连续出现
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return ErrInvalidLocalPart
	}
	return nil
}

// ValidateDomainName 验证域名。
func ValidateDomainName(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}
	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	// 检查每个标签的长度（不超过63字符）
	for _, label := range strings.Split(domain, ".") {
		if len(label) > 63 {
			return ErrInvalidDomain
		}
	}
	return nil
}

// ValidatePIN 验证管理口令的长度边界。
func ValidatePIN(pin string) error {
	if len(pin) < MinPINLength {
		return ErrPINTooShort
	}
	if len(pin) > MaxPINLength {
		return ErrPINTooLong
	}
	return nil
}

// SenderDomainOf 提取发件人地址的小写域名；格式不正确时返回空串。
// 退信的空发件人（<>）是合法输入，对应空域名。
func SenderDomainOf(sender string) string {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return ""
	}
	at := strings.LastIndex(sender, "@")
	if at <= 0 || at == len(sender)-1 {
		return ""
	}
	return strings.ToLower(sender[at+1:])
}

// SanitizeSubject 清理主题中的控制字符并限制长度。
// 折行产生的 \t\r\n 折叠为单个空格，其余控制字符直接去掉。
func SanitizeSubject(subject string) string {
	var b strings.Builder
	b.Grow(len(subject))
	pendingSpace := false
	for _, r := range subject {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			pendingSpace = true
		case r < 32 || r == 127:
			// 丢弃
		default:
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		}
	}
	s := strings.TrimSpace(b.String())
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
