package api

import (
	"io/fs"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// consolePage describes one console screen advertised to the launcher UI.
type consolePage struct {
	Path        string `json:"path"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Order       int    `json:"order"`
}

var metaRe = regexp.MustCompile(`<meta\s+name="(card-title|card-description|card-order)"\s+content="([^"]*)"`)

// pageMeta pulls the card meta tags out of an HTML head fragment.
func pageMeta(head string) map[string]string {
	meta := make(map[string]string, 3)
	for _, m := range metaRe.FindAllStringSubmatch(head, -1) {
		meta[m[1]] = m[2]
	}
	return meta
}

// PagesHandler lists console pages from the web dir. A page opts in by
// carrying a card-title meta tag; anything without one (index.html, partials)
// stays hidden. The scan runs per request so dropped-in pages show up
// without a restart.
func PagesHandler(webFS fs.FS) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := fs.ReadDir(webFS, ".")
		if err != nil {
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to read web directory")
			return
		}

		pages := []consolePage{}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".html") {
				continue
			}

			// Meta tags sit near the top; 2KB is plenty.
			f, err := webFS.Open(name)
			if err != nil {
				continue
			}
			buf := make([]byte, 2048)
			n, _ := f.Read(buf)
			f.Close()

			meta := pageMeta(string(buf[:n]))
			title, ok := meta["card-title"]
			if !ok {
				continue
			}

			order, _ := strconv.Atoi(meta["card-order"])
			pages = append(pages, consolePage{
				Path:        "/" + name,
				Title:       title,
				Description: meta["card-description"],
				Order:       order,
			})
		}

		sort.Slice(pages, func(i, j int) bool {
			if pages[i].Order != pages[j].Order {
				return pages[i].Order < pages[j].Order
			}
			return pages[i].Path < pages[j].Path
		})

		WriteJSON(w, http.StatusOK, pages)
	}
}
