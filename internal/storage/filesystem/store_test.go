package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devils-shadow/quail/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestStore_SaveAndGetRaw(t *testing.T) {
	store := newTestStore(t)

	raw := []byte("From: sender@remote.test\r\nSubject: hi\r\n\r\nbody\r\n")
	relPath, err := store.SaveRaw("0190aaaa-0000-7000-8000-000000000001", raw)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("raw", "01", "0190aaaa-0000-7000-8000-000000000001.eml"), relPath)

	got, err := store.GetRaw("0190aaaa-0000-7000-8000-000000000001")
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = store.GetRaw("0190aaaa-0000-7000-8000-00000000dead")
	assert.Error(t, err)
}

func TestStore_SaveAndGetAttachment(t *testing.T) {
	store := newTestStore(t)

	att := &domain.Attachment{
		ID:          "att00001-0000-0000-0000-000000000000",
		MessageID:   "0190bbbb-0000-7000-8000-000000000001",
		Filename:    "../../../etc/passwd",
		ContentType: "application/pdf",
		Size:        4,
		Content:     []byte("data"),
	}

	relPath, err := store.SaveAttachment(att)
	require.NoError(t, err)
	// 路径遍历成分被剥掉，只剩带ID前缀的安全文件名
	assert.NotContains(t, relPath, "..")
	assert.Contains(t, filepath.Base(relPath), "att00001_")

	content, err := store.GetAttachmentContent(relPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), content)

	// 存储路径不允许带遍历成分
	_, err = store.GetAttachmentContent("../outside")
	assert.Error(t, err)
}

func TestStore_DeleteIdempotent(t *testing.T) {
	store := newTestStore(t)

	messageID := "0190cccc-0000-7000-8000-000000000001"
	_, err := store.SaveRaw(messageID, []byte("raw"))
	require.NoError(t, err)
	_, err = store.SaveAttachment(&domain.Attachment{
		ID: "att00002", MessageID: messageID, Filename: "a.pdf", Content: []byte("x"),
	})
	require.NoError(t, err)

	require.NoError(t, store.Delete(messageID))

	_, err = store.GetRaw(messageID)
	assert.Error(t, err)
	_, err = os.Stat(filepath.Join(store.BasePath(), "attachments", "01", messageID))
	assert.True(t, os.IsNotExist(err))

	// 重复删除与删除不存在的消息都是无操作
	assert.NoError(t, store.Delete(messageID))
	assert.NoError(t, store.Delete("0190cccc-0000-7000-8000-00000000dead"))
}

func TestStore_GetStats(t *testing.T) {
	store := newTestStore(t)

	_, err := store.SaveRaw("0190dddd-0000-7000-8000-000000000001", []byte("raw one"))
	require.NoError(t, err)
	_, err = store.SaveRaw("0191dddd-0000-7000-8000-000000000002", []byte("raw two"))
	require.NoError(t, err)
	_, err = store.SaveAttachment(&domain.Attachment{
		ID: "att00003", MessageID: "0190dddd-0000-7000-8000-000000000001", Filename: "a.txt", Content: []byte("abc"),
	})
	require.NoError(t, err)

	stats, err := store.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RawCount)
	assert.Equal(t, 1, stats.AttachmentCount)
	assert.Equal(t, int64(len("raw one")+len("raw two")+len("abc")), stats.TotalBytes)
}

func TestNewStore_RejectsTraversal(t *testing.T) {
	// 不能用 filepath.Join，它会把 ".." 折叠掉
	_, err := NewStore(t.TempDir() + "/../escape")
	assert.Error(t, err)
}
