package skill

import "context"

// Saver is the write half of the management surface.
type Saver interface {
	SaveSkill(ctx context.Context, s *Skill) error
}

// Builtins returns the default skills every fresh deployment starts with.
func Builtins() []*Skill {
	return []*Skill{
		{
			ID:       "brand_voice",
			Name:     "Brand voice",
			Category: "persona",
			Status:   StatusEnabled,
			Template: "You write on behalf of {{ brand_name | trim }}. Keep the tone {{ tone | lower }} " +
				"and never contradict the brand's published positioning.",
			Variables:   []string{"brand_name", "tone"},
			Description: "Persona and tone of voice for the brand",
			Priority:    PriorityAlways,
		},
		{
			ID:       "xiaohongshu_post",
			Name:     "Xiaohongshu post",
			Category: "copywriting",
			Status:   StatusEnabled,
			Template: "When asked for a post, write a Xiaohongshu note about {{ topic }}: " +
				"a hook title under 20 characters, 3 to 5 short paragraphs and 5 hashtags.",
			Variables:   []string{"topic"},
			Keywords:    []string{"xiaohongshu", "小红书", "note", "post", "笔记"},
			Description: "Short-form lifestyle note for Xiaohongshu",
			Priority:    PriorityDefault,
		},
		{
			ID:       "video_script",
			Name:     "Short video script",
			Category: "copywriting",
			Status:   StatusEnabled,
			Template: "When asked for a video, write a {{ duration }} second script with a scene list, " +
				"voice-over lines and an on-screen call to action for {{ brand_name | trim }}.",
			Variables:   []string{"duration", "brand_name"},
			Keywords:    []string{"video", "script", "douyin", "抖音", "视频", "脚本"},
			Description: "Script for Douyin or Channels short videos",
			Priority:    PriorityDefault,
		},
		{
			ID:       "ip_story",
			Name:     "Founder IP story",
			Category: "ip",
			Status:   StatusEnabled,
			Template: "Tell stories in the first person as {{ founder_name }}, drawing on: " +
				"{{ founder_background | striptags }}",
			Variables:   []string{"founder_name", "founder_background"},
			Keywords:    []string{"story", "founder", "ip", "人设", "故事", "创始人"},
			Description: "Personal IP storytelling for the founder account",
			Priority:    40,
		},
	}
}

// RegisterBuiltins saves the default skills into repo.
func RegisterBuiltins(ctx context.Context, repo Saver) error {
	for _, s := range Builtins() {
		if err := repo.SaveSkill(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
