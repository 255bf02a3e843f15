// Package assets maps clinical image files between the legacy name-keyed
// directory layout and the canonical id-keyed one, and keeps the image
// metadata in the database pointing at canonical files.
package assets

import (
	"path"
	"strconv"
	"strings"
	"unicode"
)

const (
	DefaultCategory = "other"
	// MaxSequence is the highest tooth number.
	MaxSequence = 32
	// StorePrefix is how image_path values start in the database.
	StorePrefix = "dental_images"
)

var categories = map[string]bool{
	"before":   true,
	"after":    true,
	"xray":     true,
	"clinical": true,
	"other":    true,
}

// Key identifies one canonical asset.
type Key struct {
	OwnerID  string
	Sequence int
	Category string
	File     string
}

// NormalizeCategory lower-cases c and maps empty to DefaultCategory.
func NormalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return DefaultCategory
	}
	return c
}

// ValidCategory reports whether c (after normalisation) is a known image type.
func ValidCategory(c string) bool { return categories[NormalizeCategory(c)] }

// SanitizeLabel turns an owner's display name into the directory name the
// legacy layout used: ASCII letters and digits, Arabic script and whitespace
// are kept, everything else dropped, and each whitespace run becomes "_".
func SanitizeLabel(label string) string {
	var b strings.Builder
	space := false
	for _, r := range label {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if !labelRune(r) {
			continue
		}
		if space {
			b.WriteByte('_')
			space = false
		}
		b.WriteRune(r)
	}
	if space {
		b.WriteByte('_')
	}
	return b.String()
}

func labelRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r >= 0x0600 && r <= 0x06FF:
		return true
	}
	return false
}

// OwnerLabel is the legacy directory for an owner. Only owners without a name
// fell back to Patient_{id}, which sanitises to Patient{id}.
func OwnerLabel(ownerID, fullName string) string {
	if fullName == "" {
		fullName = "Patient_" + ownerID
	}
	return SanitizeLabel(fullName)
}

// LegacyPath is {label}/{category}/{file}, relative to the asset root.
func LegacyPath(label, category, file string) string {
	return path.Join(label, NormalizeCategory(category), file)
}

// CanonicalPath is {owner}/{sequence}/{category}/{file}, relative to the asset root.
func CanonicalPath(ownerID string, sequence int, category, file string) string {
	return path.Join(ownerID, strconv.Itoa(sequence), NormalizeCategory(category), file)
}

func (k Key) Rel() string { return CanonicalPath(k.OwnerID, k.Sequence, k.Category, k.File) }

// Stored is the image_path value for k.
func (k Key) Stored() string { return path.Join(StorePrefix, k.Rel()) }

// Dir is the canonical directory of k, relative to the asset root.
func (k Key) Dir() string { return CanonicalPath(k.OwnerID, k.Sequence, k.Category, "") }

// StoredDir is the directory form of image_path the clinic app writes:
// dental_images/{owner}/{sequence}/{category}/ with no file name.
func (k Key) StoredDir() string { return path.Join(StorePrefix, k.Dir()) + "/" }

// ParseCanonical recognises a slash-separated path relative to the asset root
// as a canonical location.
func ParseCanonical(rel string) (Key, bool) {
	parts := strings.Split(rel, "/")
	if len(parts) != 4 {
		return Key{}, false
	}
	owner, seqStr, category, file := parts[0], parts[1], parts[2], parts[3]
	if owner == "" || file == "" || strings.HasPrefix(file, ".") {
		return Key{}, false
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil || seq < 1 || seq > MaxSequence || strconv.Itoa(seq) != seqStr {
		return Key{}, false
	}
	if !categories[category] {
		return Key{}, false
	}
	return Key{OwnerID: owner, Sequence: seq, Category: category, File: file}, true
}

// RelFromStored strips StorePrefix from an image_path value. It returns false
// for values that do not name a file under the asset root.
func RelFromStored(stored string) (string, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(stored), "\\", "/")
	if s == "" || strings.HasSuffix(s, "/") {
		return "", false
	}
	if i := strings.Index(s, StorePrefix+"/"); i >= 0 {
		s = s[i+len(StorePrefix)+1:]
	}
	s = path.Clean(s)
	if s == "." || strings.HasPrefix(s, "../") || path.IsAbs(s) {
		return "", false
	}
	return s, true
}

// IsDirPath reports whether an image_path value names a directory rather
// than a file.
func IsDirPath(stored string) bool {
	s := strings.ReplaceAll(strings.TrimSpace(stored), "\\", "/")
	return strings.HasSuffix(s, "/") && strings.Trim(s, "/") != ""
}

// FileName is the base name an image_path value refers to, or "" when the
// value names a directory.
func FileName(stored string) string {
	s := strings.ReplaceAll(strings.TrimSpace(stored), "\\", "/")
	if s == "" || strings.HasSuffix(s, "/") {
		return ""
	}
	return path.Base(s)
}
