package usecase

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	mentionRe = regexp.MustCompile(`@([a-zA-Z0-9._%+-]+):[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	linkRe    = regexp.MustCompile(`<a[^>]+href="([^"]+)"[^>]*>([^<]+)</a>`)
	imgRe     = regexp.MustCompile(`<img[^>]+src="[^"]+"[^>]+alt="([^"]*)"[^>]*/?>`)
	codeRe    = regexp.MustCompile(`<code[^>]*>([^<]+)</code>`)
	preRe     = regexp.MustCompile(`(?s)<pre[^>]*>(.+?)</pre>`)
	tagRe     = regexp.MustCompile(`<[^>]+>`)
)

// FlattenMentions rewrites full Matrix mentions (@user:domain) to @user
func FlattenMentions(content string) string {
	return mentionRe.ReplaceAllString(content, "@$1")
}

// HTMLToFeishuText renders a Matrix formatted_body as plain Feishu text.
// Links become "text (href)", images "[Image: alt]", code keeps fences.
func HTMLToFeishuText(htmlBody string) string {
	result := htmlBody

	result = preRe.ReplaceAllString(result, "```\n$1\n```")
	result = codeRe.ReplaceAllString(result, "`$1`")
	result = linkRe.ReplaceAllString(result, "$2 ($1)")
	result = imgRe.ReplaceAllString(result, "[Image: $1]")

	for _, nl := range []string{"</p>", "<br>", "<br/>", "<br />", "</div>"} {
		result = strings.ReplaceAll(result, nl, "\n")
	}
	result = tagRe.ReplaceAllString(result, "")
	result = html.UnescapeString(result)

	lines := strings.Split(result, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	result = strings.TrimSpace(strings.Join(lines, "\n"))

	return FlattenMentions(result)
}

// MarkdownToFeishuText strips markdown markers that Feishu text ignores
func MarkdownToFeishuText(content string) string {
	result := content
	for _, header := range []string{"### ", "## ", "# "} {
		result = strings.ReplaceAll(result, header, "")
	}
	result = strings.ReplaceAll(result, "- ", "• ")
	result = strings.ReplaceAll(result, "* ", "• ")
	result = strings.ReplaceAll(result, "**", "")
	result = strings.ReplaceAll(result, "__", "")
	result = strings.ReplaceAll(result, "`", "")
	return FlattenMentions(result)
}

// Feishu bracket emoticons and their unicode renderings. The two
// directions are intentionally asymmetric: both [加油] and [强] read as a
// flexed arm, while 💪 always writes back as [加油].
var feishuToUnicode = [][2]string{
	{"[微笑]", "😊"},
	{"[哈哈]", "😄"},
	{"[赞]", "👍"},
	{"[握手]", "🤝"},
	{"[抱拳]", "🙏"},
	{"[加油]", "💪"},
	{"[庆祝]", "🎉"},
	{"[鲜花]", "💐"},
	{"[爱心]", "❤️"},
	{"[强]", "💪"},
}

var unicodeToFeishu = [][2]string{
	{"😊", "[微笑]"},
	{"😄", "[哈哈]"},
	{"👍", "[赞]"},
	{"🤝", "[握手]"},
	{"🙏", "[抱拳]"},
	{"💪", "[加油]"},
	{"🎉", "[庆祝]"},
	{"💐", "[鲜花]"},
	{"❤️", "[爱心]"},
	{"🔥", "[强]"},
}

// EmoticonsToUnicode converts Feishu bracket emoticons for Matrix
func EmoticonsToUnicode(content string) string {
	for _, pair := range feishuToUnicode {
		content = strings.ReplaceAll(content, pair[0], pair[1])
	}
	return content
}

// EmoticonsToFeishu converts unicode emoji to Feishu bracket emoticons
func EmoticonsToFeishu(content string) string {
	for _, pair := range unicodeToFeishu {
		content = strings.ReplaceAll(content, pair[0], pair[1])
	}
	return content
}

// postSegment is one tag inside a Feishu post row
type postSegment struct {
	Tag      string `json:"tag"`
	Text     string `json:"text"`
	Href     string `json:"href"`
	UserName string `json:"user_name"`
	UserID   string `json:"user_id"`
	ImageKey string `json:"image_key"`
}

// postBody is the per-locale payload of a post message
type postBody struct {
	Title   string          `json:"title"`
	Content [][]postSegment `json:"content"`
}

// ExtractPostText flattens a Feishu post payload to plain text. The
// payload may be the body itself or wrapped in a locale object.
func ExtractPostText(raw json.RawMessage) string {
	var body postBody
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Content) > 0 {
		return renderPost(&body)
	}

	var locales map[string]postBody
	if err := json.Unmarshal(raw, &locales); err == nil {
		for _, key := range []string{"zh_cn", "en_us"} {
			if body, ok := locales[key]; ok && len(body.Content) > 0 {
				return renderPost(&body)
			}
		}
		for _, body := range locales {
			if len(body.Content) > 0 {
				return renderPost(&body)
			}
		}
	}
	return ""
}

func renderPost(body *postBody) string {
	var lines []string
	if body.Title != "" {
		lines = append(lines, body.Title)
	}
	for _, row := range body.Content {
		var parts []string
		for _, seg := range row {
			switch seg.Tag {
			case "text":
				parts = append(parts, seg.Text)
			case "a":
				parts = append(parts, fmt.Sprintf("%s (%s)", seg.Text, seg.Href))
			case "at":
				name := seg.UserName
				if name == "" {
					name = seg.UserID
				}
				parts = append(parts, "@"+name)
			case "img":
				parts = append(parts, "[Image]")
			}
		}
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, ""))
		}
	}
	return strings.Join(lines, "\n")
}

// cardText is a text node inside an interactive card
type cardText struct {
	Content string `json:"content"`
}

type cardElement struct {
	Tag    string    `json:"tag"`
	Text   *cardText `json:"text"`
	Button *struct {
		Text cardText `json:"text"`
		URL  string   `json:"url"`
	} `json:"button"`
	Alt    *cardText `json:"alt"`
	ImgKey string    `json:"img_key"`
}

type cardBody struct {
	Header *struct {
		Title    cardText  `json:"title"`
		Subtitle *cardText `json:"subtitle"`
	} `json:"header"`
	Elements []cardElement `json:"elements"`
}

// ExtractCardText flattens an interactive card to header + body text
func ExtractCardText(raw json.RawMessage) string {
	var card cardBody
	if err := json.Unmarshal(raw, &card); err != nil {
		return ""
	}

	var header string
	if card.Header != nil {
		header = card.Header.Title.Content
		if card.Header.Subtitle != nil && card.Header.Subtitle.Content != "" {
			header += " " + card.Header.Subtitle.Content
		}
	}

	var parts []string
	for _, el := range card.Elements {
		switch el.Tag {
		case "div":
			if el.Text != nil && el.Text.Content != "" {
				parts = append(parts, el.Text.Content)
			}
		case "button":
			if el.Button != nil {
				parts = append(parts, fmt.Sprintf("%s (%s)", el.Button.Text.Content, el.Button.URL))
			}
		case "img", "image":
			if el.Alt != nil && el.Alt.Content != "" {
				parts = append(parts, el.Alt.Content)
			} else if el.ImgKey != "" {
				parts = append(parts, "[Image:"+el.ImgKey+"]")
			}
		}
	}

	body := strings.Join(parts, " ")
	switch {
	case header != "" && body != "":
		return header + "\n" + body
	case header != "":
		return header
	default:
		return body
	}
}

// TextToMatrixHTML renders plain Feishu text as a Matrix formatted_body
func TextToMatrixHTML(text string) string {
	escaped := html.EscapeString(text)
	return strings.ReplaceAll(escaped, "\n", "<br/>")
}
