package ui

import (
	"context"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/a-h/templ"
)

// Player describes a stored object for the playback page.
type Player struct {
	Key         string
	Source      string
	ContentType string
	Size        int64
	Uploaded    string
}

// IsImage reports whether the object should be shown as an image rather
// than in a video element.
func (p Player) IsImage() bool {
	return strings.HasPrefix(p.ContentType, "image/")
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<!DOCTYPE html><html lang=\"en\" data-theme=\"dark\">")
		if err != nil {
			return err
		}

		// Head
		_, err = io.WriteString(w, "<head><meta charset=\"utf-8\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<title>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, html.EscapeString(title))
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, " - Video Platform</title>")
		if err != nil {
			return err
		}
		// Minimal modern CSS framework (Pico.css) via CDN.
		_, err = io.WriteString(w, "<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</head>")
		if err != nil {
			return err
		}

		_, err = io.WriteString(w, "<body><main class=\"container\">")
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		_, err = io.WriteString(w, "</main></body></html>")
		return err
	})
}

// PlayerPage renders an object with a native media element streaming from
// its public URL. Seeking relies on the server's range support.
func PlayerPage(p Player) templ.Component {
	return Layout(p.Key, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<article>")
		if err != nil {
			return err
		}

		src := html.EscapeString(p.Source)
		var media string
		if p.IsImage() {
			media = fmt.Sprintf("<img src=\"%s\" alt=\"%s\">", src, html.EscapeString(p.Key))
		} else {
			media = fmt.Sprintf("<video controls playsinline preload=\"metadata\" style=\"width:100%%\"><source src=\"%s\" type=\"%s\"></video>", src, html.EscapeString(p.ContentType))
		}
		_, err = io.WriteString(w, media)
		if err != nil {
			return err
		}

		footer := fmt.Sprintf("<footer><small>%s &middot; %d bytes", html.EscapeString(p.Key), p.Size)
		if p.Uploaded != "" {
			footer += " &middot; uploaded " + html.EscapeString(p.Uploaded)
		}
		footer += fmt.Sprintf(" &middot; <a href=\"%s\" download>Download</a></small></footer>", src)

		_, err = io.WriteString(w, footer)
		if err != nil {
			return err
		}

		_, err = io.WriteString(w, "</article>")
		return err
	}))
}

// NotFoundPage renders the error page shown to browsers for missing media.
func NotFoundPage(title, message string) templ.Component {
	return Layout(title, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		body := fmt.Sprintf("<article style=\"text-align:center\"><h1>%s</h1><p>%s</p>", html.EscapeString(title), html.EscapeString(message))
		_, err := io.WriteString(w, body)
		if err != nil {
			return err
		}

		_, err = io.WriteString(w, "<button onclick=\"window.history.back()\">Go Back</button></article>")
		return err
	}))
}
