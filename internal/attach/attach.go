package attach

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// MaxFiles is the maximum number of attachments per message.
const MaxFiles = 10

// Extensions lists the accepted attachment types.
var Extensions = []string{".txt", ".py", ".js", ".html", ".css", ".json", ".pdf", ".doc", ".docx", ".md"}

var (
	ErrTooMany     = fmt.Errorf("at most %d files can be attached", MaxFiles)
	ErrUnsupported = errors.New("unsupported file type; attach text-based files")
)

// Info describes one attachment.
type Info struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	Pages int    `json:"pages,omitempty"`
	Title string `json:"title,omitempty"`
}

// maxTitleScan bounds how much of an HTML file is read looking for <title>.
const maxTitleScan = 64 << 10

// SizeText returns the human-readable size.
func (i Info) SizeText() string {
	return FormatSize(i.Size)
}

// Supported reports whether path has an accepted extension.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Describe stats path and, for PDFs, counts pages. HTML files report their
// <title>. An unreadable PDF or HTML file is still a valid attachment.
func Describe(path string) (Info, error) {
	if !Supported(path) {
		return Info{}, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupported)
	}
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("reading attachment: %w", err)
	}
	if st.IsDir() {
		return Info{}, fmt.Errorf("%s is a directory", path)
	}

	info := Info{Path: path, Name: filepath.Base(path), Size: st.Size()}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		info.Pages = pageCount(path)
	case ".html":
		info.Title = htmlTitle(path)
	}
	return info, nil
}

func pageCount(path string) (pages int) {
	defer func() {
		// The PDF reader panics on some malformed trailers.
		if recover() != nil {
			pages = 0
		}
	}()
	f, reader, err := pdf.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	return reader.NumPage()
}

func htmlTitle(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	z := html.NewTokenizer(io.LimitReader(f, maxTitleScan))
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			inTitle = string(name) == "title"
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "title" || string(name) == "head" {
				return ""
			}
		case html.TextToken:
			if inTitle {
				return strings.Join(strings.Fields(string(z.Text())), " ")
			}
		}
	}
}

// Set is the pending attachment list for one outgoing message. Attachments
// are referenced by name only; their content is never sent.
type Set struct {
	items []Info
}

// Add validates path and appends it. Files already in the set are ignored.
func (s *Set) Add(path string) (Info, error) {
	for _, it := range s.items {
		if it.Path == path {
			return it, nil
		}
	}
	if len(s.items) >= MaxFiles {
		return Info{}, ErrTooMany
	}
	info, err := Describe(path)
	if err != nil {
		return Info{}, err
	}
	s.items = append(s.items, info)
	return info, nil
}

// Remove drops path from the set and reports whether it was present.
func (s *Set) Remove(path string) bool {
	for i, it := range s.items {
		if it.Path == path || it.Name == path {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Paths returns the attached paths in insertion order.
func (s *Set) Paths() []string {
	out := make([]string, len(s.items))
	for i, it := range s.items {
		out[i] = it.Path
	}
	return out
}

// Items returns a copy of the attachment list.
func (s *Set) Items() []Info {
	return append([]Info(nil), s.items...)
}

// Len returns the number of attachments.
func (s *Set) Len() int { return len(s.items) }

// Clear empties the set.
func (s *Set) Clear() { s.items = nil }

// Validate checks a list of paths without keeping them.
func Validate(paths []string) ([]Info, error) {
	var s Set
	for _, p := range paths {
		if _, err := s.Add(p); err != nil {
			return nil, err
		}
	}
	return s.Items(), nil
}

// FormatSize renders a byte count as B, KB, MB or GB with one decimal.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	size := float64(n)
	for _, suffix := range []string{"KB", "MB", "GB"} {
		size /= unit
		if size < unit || suffix == "GB" {
			return fmt.Sprintf("%.1f %s", size, suffix)
		}
	}
	return fmt.Sprintf("%d B", n)
}
