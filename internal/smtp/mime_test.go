package smtp

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmail_PlainText(t *testing.T) {
	raw := strings.Join([]string{
		"From: peer@sender.test",
		"To: ops@example.org",
		"Subject: plain hello",
		"Message-ID: <abc123@sender.test>",
		"",
		"just a body",
		"",
	}, "\r\n")

	parsed := ParseEmail([]byte(raw))
	require.NotNil(t, parsed)
	assert.Equal(t, "plain hello", parsed.Subject)
	assert.Equal(t, "abc123@sender.test", parsed.MessageID)
	assert.Equal(t, "just a body\r\n", parsed.Text)
	assert.Empty(t, parsed.Attachments)
}

func TestParseEmail_EncodedSubject(t *testing.T) {
	t.Run("UTF8编码字", func(t *testing.T) {
		raw := "Subject: =?utf-8?B?5L2g5aW9?=\r\n\r\nbody"
		parsed := ParseEmail([]byte(raw))
		assert.Equal(t, "你好", parsed.Subject)
	})

	t.Run("GBK编码字", func(t *testing.T) {
		// "你好" 的 GBK 字节 C4E3 BAC3
		raw := "Subject: =?gb2312?B?xOO6ww==?=\r\n\r\nbody"
		parsed := ParseEmail([]byte(raw))
		assert.Equal(t, "你好", parsed.Subject)
	})
}

func TestParseEmail_MultipartWithAttachment(t *testing.T) {
	payload := []byte("%PDF-1.4 fake pdf payload")
	raw := strings.Join([]string{
		"From: peer@sender.test",
		"Subject: report attached",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"see attachment",
		"--outer",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>see attachment</p>",
		"--outer",
		"Content-Type: application/pdf; name=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"",
		base64.StdEncoding.EncodeToString(payload),
		"--outer--",
		"",
	}, "\r\n")

	parsed := ParseEmail([]byte(raw))
	assert.Contains(t, parsed.Text, "see attachment")
	assert.Contains(t, parsed.HTML, "<p>see attachment</p>")

	require.Len(t, parsed.Attachments, 1)
	att := parsed.Attachments[0]
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, payload, att.Content)
	assert.Equal(t, int64(len(payload)), att.Size)

	assert.Equal(t, []string{"application/pdf"}, parsed.AttachmentTypes())
}

func TestParseEmail_NestedMultipart(t *testing.T) {
	raw := strings.Join([]string{
		"Subject: nested",
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		`Content-Type: multipart/alternative; boundary="inner"`,
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"plain variant",
		"--inner",
		"Content-Type: text/html",
		"",
		"<b>html variant</b>",
		"--inner--",
		"--outer--",
		"",
	}, "\r\n")

	parsed := ParseEmail([]byte(raw))
	assert.Contains(t, parsed.Text, "plain variant")
	assert.Contains(t, parsed.HTML, "html variant")
}

func TestParseEmail_InlineDisposition(t *testing.T) {
	raw := strings.Join([]string{
		"Subject: inline handling",
		`Content-Type: multipart/mixed; boundary="b"`,
		"",
		"--b",
		"Content-Type: text/plain",
		"Content-Disposition: inline",
		"",
		"inline text stays body",
		"--b",
		"Content-Type: image/png",
		"Content-Disposition: inline; filename=\"logo.png\"",
		"Content-Transfer-Encoding: base64",
		"",
		base64.StdEncoding.EncodeToString([]byte("png-bytes")),
		"--b--",
		"",
	}, "\r\n")

	parsed := ParseEmail([]byte(raw))
	// 无文件名的 inline 文本是正文，带文件名的 inline 图片是附件
	assert.Contains(t, parsed.Text, "inline text stays body")
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "logo.png", parsed.Attachments[0].Filename)
	assert.Equal(t, "image/png", parsed.Attachments[0].ContentType)
}

func TestParseEmail_QuotedPrintableGBKBody(t *testing.T) {
	raw := strings.Join([]string{
		"Subject: qp body",
		`Content-Type: text/plain; charset="gb2312"`,
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"=C4=E3=BA=C3",
		"",
	}, "\r\n")

	parsed := ParseEmail([]byte(raw))
	assert.Contains(t, parsed.Text, "你好")
}

func TestParseEmail_GarbageNeverFails(t *testing.T) {
	garbage := []byte("\x00\x01 not a mail at all")
	parsed := ParseEmail(garbage)
	require.NotNil(t, parsed)
	assert.Equal(t, string(garbage), parsed.Text)

	empty := ParseEmail(nil)
	require.NotNil(t, empty)
	assert.Empty(t, empty.Attachments)
}
