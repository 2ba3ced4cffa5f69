// Package message holds broadcast message templates and renders them for a
// single delivery.
package message

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var ErrNotFound = errors.New("message template not found")

const (
	ParseModeNone     = ""
	ParseModeMarkdown = "markdown"
	ParseModeHTML     = "html"

	MediaNone     = ""
	MediaPhoto    = "photo"
	MediaVideo    = "video"
	MediaDocument = "document"
)

type Template struct {
	ID             string
	Name           string
	Content        string
	ParseMode      string
	MediaType      string
	MediaURL       string
	DisablePreview bool
	// Buttons is a JSON array of rows, each row an array of {"text","url"}.
	// A flat array of buttons is treated as one button per row.
	Buttons string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Validate checks enumerations and the button JSON.
func (t Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("template name required")
	}
	switch strings.ToLower(t.ParseMode) {
	case ParseModeNone, ParseModeMarkdown, ParseModeHTML:
	default:
		return fmt.Errorf("unknown parse_mode %q", t.ParseMode)
	}
	switch strings.ToLower(t.MediaType) {
	case MediaNone:
		if strings.TrimSpace(t.Content) == "" {
			return errors.New("template content required")
		}
	case MediaPhoto, MediaVideo, MediaDocument:
		if strings.TrimSpace(t.MediaURL) == "" {
			return fmt.Errorf("media_url required for %s", t.MediaType)
		}
	default:
		return fmt.Errorf("unknown media_type %q", t.MediaType)
	}
	_, err := ParseButtons(t.Buttons)
	return err
}

// ParseButtons decodes the template button layout. Buttons without text or
// url are skipped.
func ParseButtons(raw string) ([][]Button, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !gjson.Valid(raw) {
		return nil, errors.New("buttons: invalid JSON")
	}
	root := gjson.Parse(raw)
	if !root.IsArray() {
		return nil, errors.New("buttons: expected an array")
	}

	var rows [][]Button
	root.ForEach(func(_, row gjson.Result) bool {
		var cells []gjson.Result
		if row.IsArray() {
			cells = row.Array()
		} else {
			cells = []gjson.Result{row}
		}
		var out []Button
		for _, c := range cells {
			b := Button{Text: strings.TrimSpace(c.Get("text").String()), URL: strings.TrimSpace(c.Get("url").String())}
			if b.Text == "" || b.URL == "" {
				continue
			}
			out = append(out, b)
		}
		if len(out) > 0 {
			rows = append(rows, out)
		}
		return true
	})
	return rows, nil
}

// Vars are the per-delivery values available to a template.
type Vars struct {
	Schedule string
	Channel  string
	Now      time.Time
	Location *time.Location
}

// Render substitutes {{schedule}}, {{channel}}, {{date}} and {{time}}.
// Date and time use the schedule's timezone.
func Render(content string, v Vars) string {
	if !strings.Contains(content, "{{") {
		return content
	}
	now := v.Now
	if v.Location != nil {
		now = now.In(v.Location)
	}
	r := strings.NewReplacer(
		"{{schedule}}", v.Schedule,
		"{{channel}}", v.Channel,
		"{{date}}", now.Format("2006-01-02"),
		"{{time}}", now.Format("15:04"),
	)
	return r.Replace(content)
}
