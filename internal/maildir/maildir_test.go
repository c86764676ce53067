package maildir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"mailcal/internal/model"
)

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

var multipartInvite = crlf(
	"From: alice@example.com",
	"To: bob@example.com",
	"Subject: Invitation",
	"MIME-Version: 1.0",
	`Content-Type: multipart/mixed; boundary="outer"`,
	"",
	"--outer",
	`Content-Type: multipart/alternative; boundary="inner"`,
	"",
	"--inner",
	"Content-Type: text/plain; charset=utf-8",
	"",
	"You are invited.",
	"--inner",
	`Content-Type: text/calendar; charset="UTF-8"; method=REQUEST`,
	"Content-Transfer-Encoding: base64",
	"",
	"QkVHSU46VkNBTEVOREFSDQpVSUQ6YjY0DQpFTkQ6VkNBTEVOREFSDQo=",
	"--inner--",
	"--outer",
	`Content-Type: text/calendar; name="invite.ics"`,
	`Content-Disposition: attachment; filename="invite.ics"`,
	"",
	"BEGIN:VCALENDAR",
	"UID:attached",
	"END:VCALENDAR",
	"--outer",
	"Content-Type: application/pdf",
	"Content-Disposition: attachment; filename=x.pdf",
	"",
	"%PDF",
	"--outer--",
)

var latin1Calendar = crlf(
	"From: carol@example.com",
	"Subject: Single part",
	"MIME-Version: 1.0",
	"Content-Type: text/calendar; charset=ISO-8859-1",
	"Content-Transfer-Encoding: quoted-printable",
	"",
	"SUMMARY:caf=E9",
)

var plainText = crlf(
	"From: dave@example.com",
	"Content-Type: text/plain",
	"",
	"nothing here",
)

func writeMailbox(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for _, sub := range Subdirs {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			t.Fatal(err)
		}
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func collect(t *testing.T, w *Walker) []model.RawCalendarDocument {
	t.Helper()
	var docs []model.RawCalendarDocument
	err := w.Documents(context.Background(), func(doc model.RawCalendarDocument) error {
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		t.Fatalf("Documents: %v", err)
	}
	return docs
}

func TestDocuments(t *testing.T) {
	root := writeMailbox(t, map[string]string{
		"tmp/0-plain":  plainText,
		"new/1-latin1": latin1Calendar,
		"cur/2-invite": multipartInvite,
		"cur/3-broken": "this is not a header\r\n",
	})

	want := []model.RawCalendarDocument{
		{Source: "cur/2-invite", Charset: "utf-8", Text: "BEGIN:VCALENDAR\r\nUID:b64\r\nEND:VCALENDAR\r\n"},
		{Source: "cur/2-invite", Charset: "", Text: "BEGIN:VCALENDAR\r\nUID:attached\r\nEND:VCALENDAR"},
		{Source: "new/1-latin1", Charset: "iso-8859-1", Text: "SUMMARY:café\r\n"},
	}
	got := collect(t, &Walker{Root: root})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Documents() mismatch (-want +got):\n%s", diff)
	}
}

func TestDocumentsMissingSubdir(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "new"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "new", "m"), []byte(latin1Calendar), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := collect(t, &Walker{Root: root}); len(got) != 1 {
		t.Errorf("got %d documents, want 1", len(got))
	}
}

func TestDocumentsStops(t *testing.T) {
	root := writeMailbox(t, map[string]string{
		"cur/a": latin1Calendar,
		"cur/b": latin1Calendar,
	})
	w := &Walker{Root: root}

	stop := errors.New("stop")
	calls := 0
	err := w.Documents(context.Background(), func(model.RawCalendarDocument) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("Documents() = %v after %d calls, want stop after 1", err, calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = w.Documents(ctx, func(model.RawCalendarDocument) error {
		t.Errorf("callback ran with cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Documents(cancelled) = %v, want context.Canceled", err)
	}
}
