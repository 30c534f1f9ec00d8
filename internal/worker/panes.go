package worker

import (
	"context"
	"fmt"
	"html"
	"strings"

	"botfleet/internal/registry"
	"botfleet/internal/storage"
)

// Callback tokens carried by the menu buttons. These are the wire values in
// the inline keyboard; the admin surface never sees them.
const (
	cbResume       = "resume"
	cbPrograms     = "programs"
	cbHeadquarters = "headquarters"
	cbContact      = "contact"
	cbSendMessage  = "send_message"
	cbBack         = "back"
)

func menuMarkup() any {
	btn := func(text, data string) map[string]any {
		return map[string]any{"text": text, "callback_data": data}
	}
	return map[string]any{
		"inline_keyboard": [][]map[string]any{
			{btn("Resume", cbResume), btn("Programs", cbPrograms)},
			{btn("Headquarters", cbHeadquarters), btn("Contact", cbContact)},
			{btn("Send a public message", cbSendMessage)},
		},
	}
}

func backMarkup() any {
	return map[string]any{
		"inline_keyboard": [][]map[string]any{
			{map[string]any{"text": "Back to menu", "callback_data": cbBack}},
		},
	}
}

func welcomeText(t storage.Tenant) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Welcome to the official bot of <b>%s</b>.\n", html.EscapeString(t.Name))
	if t.City != "" {
		loc := html.EscapeString(t.City)
		if t.District != "" {
			loc += ", " + html.EscapeString(t.District)
		}
		fmt.Fprintf(&b, "%s\n", loc)
	}
	b.WriteString("\nChoose an option:")
	return b.String()
}

// renderPane builds the HTML body for a known callback token. Pure reads from
// tenant configuration.
func (w *Worker) renderPane(ctx context.Context, snap registry.Snapshot, token string) (string, error) {
	t := snap.Tenant
	switch token {
	case cbResume:
		items, err := w.store.Resumes(ctx, t.ID)
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			return "No resume entries published yet.", nil
		}
		var b strings.Builder
		b.WriteString("<b>Resume</b>\n")
		for _, r := range items {
			b.WriteString("\n• " + html.EscapeString(r.Title))
			if r.Year != "" {
				b.WriteString(" (" + html.EscapeString(r.Year) + ")")
			}
			if r.Description != "" {
				b.WriteString("\n  " + html.EscapeString(r.Description))
			}
		}
		return b.String(), nil

	case cbPrograms:
		items, err := w.store.Programs(ctx, t.ID)
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			return "No programs published yet.", nil
		}
		var b strings.Builder
		b.WriteString("<b>Programs</b>\n")
		for _, p := range items {
			b.WriteString("\n• <b>" + html.EscapeString(p.Title) + "</b>")
			if p.Category != "" {
				b.WriteString(" [" + html.EscapeString(p.Category) + "]")
			}
			if p.Description != "" {
				b.WriteString("\n  " + html.EscapeString(p.Description))
			}
		}
		return b.String(), nil

	case cbHeadquarters:
		items, err := w.store.Headquarters(ctx, t.ID)
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			return "No headquarters listed yet.", nil
		}
		var b strings.Builder
		b.WriteString("<b>Headquarters</b>\n")
		for _, h := range items {
			b.WriteString("\n• <b>" + html.EscapeString(h.Name) + "</b>")
			if h.Address != "" {
				b.WriteString("\n  " + html.EscapeString(h.Address))
			}
			if h.Phone != "" {
				b.WriteString("\n  " + html.EscapeString(h.Phone))
			}
		}
		return b.String(), nil

	case cbContact:
		var b strings.Builder
		b.WriteString("<b>Contact</b>\n")
		if t.Phone != "" {
			b.WriteString("\nPhone: " + html.EscapeString(t.Phone))
		}
		if t.Email != "" {
			b.WriteString("\nEmail: " + html.EscapeString(t.Email))
		}
		if t.Phone == "" && t.Email == "" {
			b.WriteString("\nNo contact details published yet.")
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("unknown pane token %q", token)
}
