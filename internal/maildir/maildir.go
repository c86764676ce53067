// Package maildir reads calendar parts out of a Maildir mailbox.
package maildir

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"

	appLog "mailcal/internal/log"
	"mailcal/internal/model"
)

// Subdirs are visited in this order.
var Subdirs = []string{"cur", "new", "tmp"}

const calendarMediaType = "text/calendar"

type Walker struct {
	Root string
}

// Documents calls fn for every text/calendar part of every message in the
// mailbox. Messages and subdirectories that cannot be read are logged and
// skipped. An error from fn or a cancelled ctx stops the walk.
func (w *Walker) Documents(ctx context.Context, fn func(model.RawCalendarDocument) error) error {
	for _, sub := range Subdirs {
		dir := filepath.Join(w.Root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			appLog.Warn("maildir subdirectory unreadable, skipped", "dir", dir, "err", err)
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			id := filepath.Join(sub, e.Name())
			if err := w.message(id, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Walker) message(id string, fn func(model.RawCalendarDocument) error) error {
	f, err := os.Open(filepath.Join(w.Root, id))
	if err != nil {
		appLog.Warn("message unreadable, skipped", "message", id, "err", err)
		return nil
	}
	defer f.Close()

	docs, err := CalendarParts(f, id)
	if err != nil {
		appLog.Warn("message unparsable, skipped", "message", id, "err", err)
	}
	for _, doc := range docs {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

// CalendarParts returns the decoded text/calendar parts of one message, in
// message order. Parts read before a parse error are still returned.
func CalendarParts(r io.Reader, source string) ([]model.RawCalendarDocument, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, errors.Wrap(err, "read message")
	}
	defer mr.Close()

	var docs []model.RawCalendarDocument
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return docs, nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return docs, errors.Wrap(err, "next part")
		}

		var mediaType string
		var params map[string]string
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params, _ = h.ContentType()
		case *mail.AttachmentHeader:
			mediaType, params, _ = h.ContentType()
		}
		if !strings.EqualFold(mediaType, calendarMediaType) {
			continue
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			appLog.Warn("calendar part unreadable, skipped", "message", source, "err", err)
			continue
		}
		docs = append(docs, model.RawCalendarDocument{
			Source:  source,
			Charset: strings.ToLower(params["charset"]),
			Text:    string(body),
		})
	}
}
