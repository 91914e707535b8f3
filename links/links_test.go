package links

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Link
		ok   bool
	}{
		{"tiktok short link", "check this https://vm.tiktok.com/ZMabc/ out", Link{TikTok, "https://vm.tiktok.com/ZMabc/"}, true},
		{"tiktok www", "https://www.tiktok.com/@user/video/123?is_from_webapp=1", Link{TikTok, "https://www.tiktok.com/@user/video/123?is_from_webapp=1"}, true},
		{"tiktok bare domain http", "http://tiktok.com/t/xyz", Link{TikTok, "http://tiktok.com/t/xyz"}, true},
		{"tiktok vt subdomain", "lol https://vt.tiktok.com/ZS1/", Link{TikTok, "https://vt.tiktok.com/ZS1/"}, true},
		{"instagram reel", "https://www.instagram.com/reel/Cxyz/?igsh=abc", Link{Instagram, "https://www.instagram.com/reel/Cxyz/?igsh=abc"}, true},
		{"instagram post", "see https://instagram.com/p/ABC123", Link{Instagram, "https://instagram.com/p/ABC123"}, true},
		{"instagram profile ignored", "https://www.instagram.com/someone/", Link{}, false},
		{"url ends at newline", "https://vm.tiktok.com/A1/\nmore text", Link{TikTok, "https://vm.tiktok.com/A1/"}, true},
		{"url ends at tab", "https://vm.tiktok.com/A1/\tx", Link{TikTok, "https://vm.tiktok.com/A1/"}, true},
		{"unknown subdomain", "https://evil.tiktok.com.example/x", Link{}, false},
		{"no scheme", "vm.tiktok.com/ZMabc/", Link{}, false},
		{"path required", "https://vm.tiktok.com/", Link{}, false},
		{"plain text", "hello there", Link{}, false},
		{"empty", "", Link{}, false},
		{"youtube ignored", "https://youtube.com/shorts/abc", Link{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyTikTokBeatsInstagram(t *testing.T) {
	text := "first https://www.instagram.com/reel/AAA/ then https://vm.tiktok.com/BBB/ and https://vm.tiktok.com/CCC/"
	got, ok := Classify(text)
	require.True(t, ok)
	assert.Equal(t, Link{Platform: TikTok, URL: "https://vm.tiktok.com/BBB/"}, got)
}

func TestClassifyFirstMatchWithinPlatform(t *testing.T) {
	got, ok := Classify("https://instagram.com/p/ONE https://instagram.com/reel/TWO")
	require.True(t, ok)
	assert.Equal(t, "https://instagram.com/p/ONE", got.URL)
}

func TestPlatformsOrder(t *testing.T) {
	assert.Equal(t, []Platform{TikTok, Instagram}, Platforms())
	assert.Equal(t, "TikTok", TikTok.Label())
	assert.Equal(t, "Instagram", Instagram.Label())
}
