package manifest

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/spacesync/internal/syncerr"
)

// RawFields keeps JSON members this version does not know about, so they
// survive a decode/encode round trip.
type RawFields map[string]json.RawMessage

func (r RawFields) Clone() RawFields {
	if len(r) == 0 {
		return nil
	}
	c := make(RawFields, len(r))
	for k, v := range r {
		c[k] = append(json.RawMessage(nil), v...)
	}
	return c
}

var (
	manifestFields  = fieldSet("repositoryId", "schemaVersion", "lastUpdated", "files", "folders", "tombstones")
	fileFields      = fieldSet("id", "path", "name", "contentTimestamp", "size", "checksum")
	folderFields    = fieldSet("id", "path", "name", "parentId")
	tombstoneFields = fieldSet("id", "kind", "deletedAt")
)

type manifestDoc struct {
	RepositoryID  string                  `json:"repositoryId"`
	SchemaVersion string                  `json:"schemaVersion"`
	LastUpdated   time.Time               `json:"lastUpdated"`
	Files         map[string]*FileEntry   `json:"files"`
	Folders       map[string]*FolderEntry `json:"folders"`
	Tombstones    []*Tombstone            `json:"tombstones"`
}

// Encode serializes m into the manifest persistence format.
func Encode(m *Manifest) ([]byte, error) {
	return jsonMarshal(m)
}

// Decode parses and validates a manifest document. The schema version is
// checked before the rest of the document, whose shape may differ under
// another major version.
func Decode(data []byte) (*Manifest, error) {
	var header struct {
		SchemaVersion *string `json:"schemaVersion"`
	}
	if err := jsonUnmarshal(data, &header); err != nil {
		return nil, syncerr.New(syncerr.KindManifestCorrupt, "decode", err)
	}
	if header.SchemaVersion != nil {
		if err := CheckSchema(*header.SchemaVersion); err != nil {
			return nil, err
		}
	}

	var m Manifest
	if err := jsonUnmarshal(data, &m); err != nil {
		return nil, syncerr.New(syncerr.KindManifestCorrupt, "decode", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m Manifest) MarshalJSON() ([]byte, error) {
	doc := manifestDoc{
		RepositoryID:  m.RepositoryID,
		SchemaVersion: m.SchemaVersion,
		LastUpdated:   m.LastUpdated,
		Files:         m.Files,
		Folders:       m.Folders,
		Tombstones:    make([]*Tombstone, 0, len(m.Tombstones)),
	}
	if doc.Files == nil {
		doc.Files = map[string]*FileEntry{}
	}
	if doc.Folders == nil {
		doc.Folders = map[string]*FolderEntry{}
	}
	for _, t := range m.Tombstones {
		doc.Tombstones = append(doc.Tombstones, t)
	}
	sort.Slice(doc.Tombstones, func(i, j int) bool {
		return doc.Tombstones[i].ID < doc.Tombstones[j].ID
	})
	return marshalWithExtra(doc, m.Extra)
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	var doc manifestDoc
	if err := jsonUnmarshal(data, &doc); err != nil {
		return err
	}
	extra, err := unknownFields(data, manifestFields)
	if err != nil {
		return err
	}

	*m = Manifest{
		RepositoryID:  doc.RepositoryID,
		SchemaVersion: doc.SchemaVersion,
		LastUpdated:   doc.LastUpdated,
		Files:         doc.Files,
		Folders:       doc.Folders,
		Tombstones:    make(map[string]*Tombstone, len(doc.Tombstones)),
		Extra:         extra,
	}
	if m.Files == nil {
		m.Files = make(map[string]*FileEntry)
	}
	if m.Folders == nil {
		m.Folders = make(map[string]*FolderEntry)
	}
	for _, t := range doc.Tombstones {
		if t == nil {
			continue
		}
		m.Tombstones[t.ID] = t
	}
	return nil
}

func (e FileEntry) MarshalJSON() ([]byte, error) {
	type plain FileEntry
	return marshalWithExtra(plain(e), e.Extra)
}

func (e *FileEntry) UnmarshalJSON(data []byte) error {
	type plain FileEntry
	var p plain
	if err := jsonUnmarshal(data, &p); err != nil {
		return err
	}
	extra, err := unknownFields(data, fileFields)
	if err != nil {
		return err
	}
	*e = FileEntry(p)
	e.Extra = extra
	return nil
}

func (f FolderEntry) MarshalJSON() ([]byte, error) {
	type plain FolderEntry
	return marshalWithExtra(plain(f), f.Extra)
}

func (f *FolderEntry) UnmarshalJSON(data []byte) error {
	type plain FolderEntry
	var p plain
	if err := jsonUnmarshal(data, &p); err != nil {
		return err
	}
	extra, err := unknownFields(data, folderFields)
	if err != nil {
		return err
	}
	*f = FolderEntry(p)
	f.Extra = extra
	return nil
}

func (t Tombstone) MarshalJSON() ([]byte, error) {
	type plain Tombstone
	return marshalWithExtra(plain(t), t.Extra)
}

func (t *Tombstone) UnmarshalJSON(data []byte) error {
	type plain Tombstone
	var p plain
	if err := jsonUnmarshal(data, &p); err != nil {
		return err
	}
	extra, err := unknownFields(data, tombstoneFields)
	if err != nil {
		return err
	}
	*t = Tombstone(p)
	t.Extra = extra
	return nil
}

func marshalWithExtra(v any, extra RawFields) ([]byte, error) {
	data, err := jsonMarshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}

	var members map[string]json.RawMessage
	if err := jsonUnmarshal(data, &members); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, known := members[k]; !known {
			members[k] = raw
		}
	}
	return jsonMarshal(members)
}

func unknownFields(data []byte, known map[string]struct{}) (RawFields, error) {
	var members map[string]json.RawMessage
	if err := jsonUnmarshal(data, &members); err != nil {
		return nil, err
	}

	var extra RawFields
	for k, raw := range members {
		if _, ok := known[k]; ok {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("compact field %q: %w", k, err)
		}
		if extra == nil {
			extra = make(RawFields)
		}
		extra[k] = json.RawMessage(buf.Bytes())
	}
	return extra, nil
}

func fieldSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
