// Package media is the shared image store photos are saved into: files
// under a root directory (Pictures/..., DCIM/...) indexed in sqlite, each
// addressed by a content URI.
package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// URIPrefix is the content URI prefix of stored images; the row id follows.
const URIPrefix = "content://media/external/images/media/"

// DefaultRelativePath is used when an entry does not name one.
const DefaultRelativePath = "Pictures"

var (
	ErrInvalidPath = errors.New("media: invalid relative path")
	ErrInvalidMIME = errors.New("media: unsupported mime type")
	ErrInvalidName = errors.New("media: invalid display name")
	ErrNotFound    = errors.New("media: item not found")
)

// Top-level directories images may be stored under.
var allowedRoots = []string{"Pictures", "DCIM"}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
}

// Entry describes an image to insert.
type Entry struct {
	DisplayName  string // file name without extension
	MIMEType     string // image/jpeg or image/png
	RelativePath string // e.g. Pictures/CameraX-Image; empty = Pictures
}

// Item is a stored image.
type Item struct {
	ID           int64     `json:"id"`
	URI          string    `json:"uri"`
	DisplayName  string    `json:"display_name"`
	MIMEType     string    `json:"mime_type"`
	RelativePath string    `json:"relative_path"`
	FilePath     string    `json:"-"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store writes image files and their index rows.
type Store struct {
	root string
	db   *sql.DB
	mu   sync.Mutex // serializes name allocation + insert
	now  func() time.Time
}

// Open opens (or creates) the store rooted at root with its index at dbPath.
func Open(root, dbPath string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			display_name TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			file_path TEXT NOT NULL UNIQUE,
			size INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS images_created ON images(created_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create media index: %w", err)
	}
	return &Store{root: root, db: db, now: time.Now}, nil
}

// Close closes the index.
func (s *Store) Close() error {
	return s.db.Close()
}

// CleanRelativePath validates p and returns it in canonical slash form.
// It must stay inside the store and start with Pictures or DCIM.
func CleanRelativePath(p string) (string, error) {
	if p == "" {
		return DefaultRelativePath, nil
	}
	if strings.Contains(p, "\\") || path.IsAbs(p) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	clean := path.Clean(p)
	top := strings.SplitN(clean, "/", 2)[0]
	for _, r := range allowedRoots {
		if top == r {
			return clean, nil
		}
	}
	return "", fmt.Errorf("%w: %q must be under %s", ErrInvalidPath, p, strings.Join(allowedRoots, " or "))
}

func validDisplayName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\\\x00")
}

// Insert writes data as a new image and indexes it. A display name already
// taken in the same directory gets " (n)" appended.
func (s *Store) Insert(ctx context.Context, e Entry, data []byte) (Item, error) {
	ext, ok := extensions[e.MIMEType]
	if !ok {
		return Item{}, fmt.Errorf("%w: %q", ErrInvalidMIME, e.MIMEType)
	}
	if !validDisplayName(e.DisplayName) {
		return Item{}, fmt.Errorf("%w: %q", ErrInvalidName, e.DisplayName)
	}
	rel, err := CleanRelativePath(e.RelativePath)
	if err != nil {
		return Item{}, err
	}

	dir := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Item{}, fmt.Errorf("create %s: %w", rel, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name, file, err := s.createUnique(dir, e.DisplayName, ext)
	if err != nil {
		return Item{}, err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(file.Name())
		return Item{}, fmt.Errorf("write image: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return Item{}, fmt.Errorf("close image: %w", err)
	}

	created := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO images (display_name, mime_type, relative_path, file_path, size, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		name, e.MIMEType, rel, file.Name(), len(data), created)
	if err != nil {
		os.Remove(file.Name())
		return Item{}, fmt.Errorf("index image: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Item{}, err
	}
	return Item{
		ID:           id,
		URI:          URIPrefix + strconv.FormatInt(id, 10),
		DisplayName:  name,
		MIMEType:     e.MIMEType,
		RelativePath: rel,
		FilePath:     file.Name(),
		Size:         int64(len(data)),
		CreatedAt:    created,
	}, nil
}

// createUnique creates dir/name+ext exclusively, falling back to "name (n)".
func (s *Store) createUnique(dir, name, ext string) (string, *os.File, error) {
	candidate := name
	for n := 1; n < 1000; n++ {
		f, err := os.OpenFile(filepath.Join(dir, candidate+ext), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return candidate, f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", nil, fmt.Errorf("create image file: %w", err)
		}
		candidate = fmt.Sprintf("%s (%d)", name, n)
	}
	return "", nil, fmt.Errorf("create image file: too many files named %q", name)
}

const selectItem = "SELECT id, display_name, mime_type, relative_path, file_path, size, created_at FROM images"

func scanItem(row interface{ Scan(...any) error }) (Item, error) {
	var it Item
	if err := row.Scan(&it.ID, &it.DisplayName, &it.MIMEType, &it.RelativePath, &it.FilePath, &it.Size, &it.CreatedAt); err != nil {
		return Item{}, err
	}
	it.URI = URIPrefix + strconv.FormatInt(it.ID, 10)
	return it, nil
}

// Get returns the item with the given id.
func (s *Store) Get(ctx context.Context, id int64) (Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, selectItem+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return it, err
}

// List returns up to limit items, newest first (limit <= 0 means 100).
func (s *Store) List(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectItem+" ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Open returns the image content of item id. The caller closes it.
func (s *Store) Open(ctx context.Context, id int64) (io.ReadSeekCloser, Item, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		return nil, Item{}, err
	}
	f, err := os.Open(it.FilePath)
	if err != nil {
		return nil, Item{}, fmt.Errorf("open image %d: %w", id, err)
	}
	return f, it, nil
}

// ParseURI extracts the item id from a content URI.
func ParseURI(uri string) (int64, error) {
	rest, ok := strings.CutPrefix(uri, URIPrefix)
	if !ok {
		return 0, fmt.Errorf("media: not a media URI: %q", uri)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("media: bad id in URI %q", uri)
	}
	return id, nil
}
