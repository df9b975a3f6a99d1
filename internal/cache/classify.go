package cache

import (
	"bytes"
	"encoding/json"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/objectfs/resload/pkg/types"
)

var imageSignatures = [][]byte{
	{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'},
	{0xff, 0xd8, 0xff},
	[]byte("GIF87a"),
	[]byte("GIF89a"),
	{0x00, 0x00, 0x01, 0x00},
}

var extensionTypes = map[string]types.ResourceType{
	".png":  types.ResourceImage,
	".jpg":  types.ResourceImage,
	".jpeg": types.ResourceImage,
	".gif":  types.ResourceImage,
	".webp": types.ResourceImage,
	".svg":  types.ResourceImage,
	".ico":  types.ResourceImage,
	".avif": types.ResourceImage,
	".js":   types.ResourceScript,
	".mjs":  types.ResourceScript,
	".css":  types.ResourceStylesheet,
	".json": types.ResourceJSON,
	".txt":  types.ResourceText,
	".md":   types.ResourceText,
	".csv":  types.ResourceText,
	".html": types.ResourceText,
	".xml":  types.ResourceText,
	".wasm": types.ResourceBinary,
	".bin":  types.ResourceBinary,
	".woff": types.ResourceBinary,
}

// Classify infers a resource type from the payload content, falling back to
// the key's file extension, then to a text/binary split.
func Classify(key string, payload []byte) types.ResourceType {
	if len(payload) == 0 {
		if t, ok := classifyExtension(key); ok {
			return t
		}
		return types.ResourceUnknown
	}

	if isImage(payload) {
		return types.ResourceImage
	}

	ext, hasExt := classifyExtension(key)
	if hasExt && ext != types.ResourceText && ext != types.ResourceBinary {
		return ext
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		return types.ResourceJSON
	}

	if hasExt {
		return ext
	}
	if !utf8.Valid(payload) || bytes.IndexByte(payload, 0) >= 0 {
		return types.ResourceBinary
	}
	return types.ResourceText
}

func isImage(payload []byte) bool {
	for _, sig := range imageSignatures {
		if bytes.HasPrefix(payload, sig) {
			return true
		}
	}
	// RIFF....WEBP
	if len(payload) >= 12 && bytes.Equal(payload[:4], []byte("RIFF")) && bytes.Equal(payload[8:12], []byte("WEBP")) {
		return true
	}
	head := bytes.TrimSpace(payload)
	if len(head) > 256 {
		head = head[:256]
	}
	return bytes.HasPrefix(head, []byte("<svg")) ||
		(bytes.HasPrefix(head, []byte("<?xml")) && bytes.Contains(head, []byte("<svg")))
}

func classifyExtension(key string) (types.ResourceType, bool) {
	p := key
	if u, err := url.Parse(key); err == nil && u.Path != "" {
		p = u.Path
	}
	t, ok := extensionTypes[strings.ToLower(path.Ext(p))]
	return t, ok
}
