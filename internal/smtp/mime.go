package smtp

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"github.com/devils-shadow/quail/internal/domain"
)

// 嵌套 multipart 的最大解析深度，防御恶意构造的深层嵌套
const maxMultipartDepth = 10

// ParsedEmail 表示解析后的邮件内容。
type ParsedEmail struct {
	Subject     string
	From        string
	To          string
	MessageID   string
	Text        string
	HTML        string
	Attachments []*domain.Attachment
}

// AttachmentTypes 返回附件的 MIME 类型列表，供决策引擎检查。
func (p *ParsedEmail) AttachmentTypes() []string {
	if len(p.Attachments) == 0 {
		return nil
	}
	types := make([]string, 0, len(p.Attachments))
	for _, att := range p.Attachments {
		types = append(types, att.ContentType)
	}
	return types
}

// ParseEmail 解析邮件原文，提取头部、正文和附件。
//
// 解析是尽力而为的：头部都读不出来的邮件按纯文本兜底，multipart
// 中途出错保留已解析的部分。收件槽绝不因格式问题丢信，格式多烂
// 的邮件都照单全收。返回值永不为 nil。
func ParseEmail(rawEmail []byte) *ParsedEmail {
	parsed := &ParsedEmail{Attachments: make([]*domain.Attachment, 0)}

	msg, err := mail.ReadMessage(bytes.NewReader(rawEmail))
	if err != nil {
		parsed.Text = string(rawEmail)
		return parsed
	}

	parsed.Subject = decodeHeader(msg.Header.Get("Subject"))
	parsed.From = msg.Header.Get("From")
	parsed.To = msg.Header.Get("To")
	parsed.MessageID = strings.Trim(msg.Header.Get("Message-Id"), "<> ")

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		body, _ := io.ReadAll(msg.Body)
		parsed.Text = string(body)
		return parsed
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			body, _ := io.ReadAll(msg.Body)
			parsed.Text = string(body)
			return parsed
		}
		parseMultipart(multipart.NewReader(msg.Body, boundary), parsed, 0)
		return parsed
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return parsed
	}
	if strings.HasPrefix(mediaType, "text/html") {
		parsed.HTML = body
	} else {
		parsed.Text = body
	}
	return parsed
}

// parseMultipart 递归解析多部分邮件，出错即停、保留已解析内容。
func parseMultipart(mr *multipart.Reader, parsed *ParsedEmail, depth int) {
	if depth >= maxMultipartDepth {
		return
	}

	for {
		part, err := mr.NextPart()
		if err != nil {
			return
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if isAttachment(part.Header.Get("Content-Disposition"), mediaType, params) {
			if att := readAttachment(part, mediaType, params); att != nil {
				parsed.Attachments = append(parsed.Attachments, att)
			}
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				parseMultipart(multipart.NewReader(part, boundary), parsed, depth+1)
			}
			continue
		}

		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}
		if strings.HasPrefix(mediaType, "text/html") {
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		} else if strings.HasPrefix(mediaType, "text/plain") {
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}
}

// isAttachment 判断一个 part 是否按附件处理。
// 显式 attachment 一定是；inline 的仅当带文件名或非文本类型。
func isAttachment(disposition, mediaType string, params map[string]string) bool {
	if disposition == "" {
		return false
	}
	dispType, dispParams, err := mime.ParseMediaType(disposition)
	if err != nil {
		return false
	}
	switch dispType {
	case "attachment":
		return true
	case "inline":
		if dispParams["filename"] != "" || params["name"] != "" {
			return true
		}
		return !strings.HasPrefix(mediaType, "text/")
	}
	return false
}

// readAttachment 读取并解码一个附件 part。
func readAttachment(part *multipart.Part, mediaType string, params map[string]string) *domain.Attachment {
	_, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))

	filename := dispParams["filename"]
	if filename == "" {
		filename = params["name"]
	}
	if filename == "" {
		filename = "unnamed"
	}
	filename = decodeHeader(filename)

	content, err := io.ReadAll(part)
	if err != nil {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding"))) {
	case "base64":
		if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(content))); err == nil {
			content = decoded
		}
	case "quoted-printable":
		if decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(content))); err == nil {
			content = decoded
		}
	}

	return &domain.Attachment{
		ID:          uuid.NewString(),
		Filename:    filename,
		ContentType: mediaType,
		Size:        int64(len(content)),
		Content:     content,
	}
}

// decodeBody 按传输编码与字符集解码邮件体。
func decodeBody(reader io.Reader, transferEncoding, charset string) (string, error) {
	var decoded io.Reader = reader

	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := charsetEncoding(charset); enc != nil {
			if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
				body = converted
			}
		}
	}

	return string(body), nil
}

// charsetEncoding 返回字符集对应的解码器，未知字符集返回 nil。
func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

// decodeHeader 解码 RFC 2047 编码的头部值。
func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := &mime.WordDecoder{CharsetReader: charsetReader}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// charsetReader 让头部解码器认识 CJK 字符集。
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc := charsetEncoding(strings.ToLower(charset))
	if enc == nil {
		return input, nil
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}
