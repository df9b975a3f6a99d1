package cache

import (
	"testing"

	"github.com/objectfs/resload/pkg/types"
)

func TestClassify(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0}
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0}
	webp := []byte("RIFF\x00\x00\x00\x00WEBPVP8 ")

	tests := []struct {
		name    string
		key     string
		payload []byte
		want    types.ResourceType
	}{
		{"png magic", "logo", png, types.ResourceImage},
		{"jpeg magic beats extension", "photo.txt", jpeg, types.ResourceImage},
		{"webp magic", "hero", webp, types.ResourceImage},
		{"gif magic", "anim", []byte("GIF89a...."), types.ResourceImage},
		{"inline svg", "icon", []byte("  <svg xmlns='http://www.w3.org/2000/svg'></svg>"), types.ResourceImage},
		{"script extension", "https://cdn.example.com/app.js?v=3", []byte("console.log(1)"), types.ResourceScript},
		{"stylesheet extension", "/static/site.css", []byte("body{margin:0}"), types.ResourceStylesheet},
		{"json object", "config", []byte(`{"theme":"dark"}`), types.ResourceJSON},
		{"json array", "list", []byte(` [1,2,3] `), types.ResourceJSON},
		{"json under txt key", "data.txt", []byte(`{"a":1}`), types.ResourceJSON},
		{"braces but not json", "notes", []byte("{not json"), types.ResourceText},
		{"plain text", "readme", []byte("hello world"), types.ResourceText},
		{"text extension", "notes.md", []byte("# title"), types.ResourceText},
		{"binary bytes", "blob", []byte{0x00, 0x01, 0xfe, 0xff}, types.ResourceBinary},
		{"invalid utf8", "blob2", []byte{0xc3, 0x28}, types.ResourceBinary},
		{"binary extension wins over text", "module.wasm", []byte("asm"), types.ResourceBinary},
		{"empty with extension", "style.css", nil, types.ResourceStylesheet},
		{"empty unknown", "nothing", nil, types.ResourceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.key, tt.payload); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.key, got, tt.want)
			}
		})
	}
}
