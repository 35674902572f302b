package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExcerpt(t *testing.T) {
	tests := []struct {
		name     string
		markdown string
		maxRunes int
		want     string
	}{
		{
			name:     "strips formatting",
			markdown: "# 第一章\n\n你在 **废墟** 中醒来，*风声* 呼啸。",
			maxRunes: 100,
			want:     "第一章 你在 废墟 中醒来，风声 呼啸。",
		},
		{
			name:     "skips fenced code",
			markdown: "状态如下：\n\n```\nhp: 10\n```\n\n继续前进。",
			maxRunes: 100,
			want:     "状态如下： 继续前进。",
		},
		{
			name:     "truncates by runes",
			markdown: "一二三四五六七八九十",
			maxRunes: 4,
			want:     "一二三四…",
		},
		{
			name:     "empty input",
			markdown: "",
			maxRunes: 50,
			want:     "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Excerpt(tt.markdown, tt.maxRunes))
		})
	}
}
