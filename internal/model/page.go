package model

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// PageContent is one page of pre-extracted document text. Page numbers are 1-based.
type PageContent struct {
	PageNumber int    `json:"page_number" yaml:"page_number"`
	Text       string `json:"text" yaml:"text"`
}

// PageFile is the on-disk layout accepted by LoadPages. A bare list of pages is also accepted.
type PageFile struct {
	DocID   string        `yaml:"doc_id"`
	DocName string        `yaml:"doc_name"`
	Pages   []PageContent `yaml:"pages"`
}

// LoadPages reads pages from a YAML or JSON file and returns them sorted by page number.
func LoadPages(path string) (*PageFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read pages %s", path)
	}

	var pf PageFile
	if err := yaml.Unmarshal(data, &pf); err != nil || len(pf.Pages) == 0 {
		var bare []PageContent
		if bareErr := yaml.Unmarshal(data, &bare); bareErr != nil {
			if err != nil {
				return nil, eris.Wrapf(err, "model: parse pages %s", path)
			}
			return nil, eris.Wrapf(bareErr, "model: parse pages %s", path)
		}
		pf.Pages = bare
	}

	if err := ValidatePages(pf.Pages); err != nil {
		return nil, err
	}
	SortPages(pf.Pages)
	return &pf, nil
}

// ValidatePages rejects empty input, non-positive page numbers and duplicates.
func ValidatePages(pages []PageContent) error {
	if len(pages) == 0 {
		return eris.New("model: no pages")
	}
	seen := make(map[int]bool, len(pages))
	for _, p := range pages {
		if p.PageNumber < 1 {
			return eris.Errorf("model: invalid page number %d", p.PageNumber)
		}
		if seen[p.PageNumber] {
			return eris.Errorf("model: duplicate page number %d", p.PageNumber)
		}
		seen[p.PageNumber] = true
	}
	return nil
}

// SortPages orders pages by page number in place.
func SortPages(pages []PageContent) {
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })
}
