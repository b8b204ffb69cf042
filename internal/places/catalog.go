package places

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hemdan/pkg/provider/imageembed"
	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

// ErrCatalogMissing is returned when the catalog file or the images root
// does not exist.
var ErrCatalogMissing = errors.New("places: catalog missing")

// ErrCatalogInvalid is returned for a catalog without the required columns.
var ErrCatalogInvalid = errors.New("places: invalid catalog")

// CatalogRow is one building in the catalog.
type CatalogRow struct {
	Name        string
	Description string
}

// IngestReport summarises a catalog ingestion.
type IngestReport struct {
	// Existing is the collection size when ingestion was skipped because
	// the collection was already populated.
	Existing int `json:"existing,omitempty"`

	Rows    int `json:"rows"`
	Folders int `json:"folders"`
	// Mapped is the number of row/folder pairs that contributed images.
	Mapped int `json:"mapped"`
	// Images is the number of image files found in mapped folders.
	Images int `json:"images"`
	Stored int `json:"stored"`
	// Skipped counts rows or folders left out of the mapping.
	Skipped int `json:"skipped"`
	// Failed counts images whose embedding failed.
	Failed int `json:"failed"`

	Warnings []string `json:"warnings,omitempty"`
}

func (r *IngestReport) warn(msg string, args ...any) {
	slog.Warn(msg, args...)
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&sb, " %v=%v", args[i], args[i+1])
	}
	r.Warnings = append(r.Warnings, sb.String())
}

// ReadCatalog parses a CSV catalog with a header containing "name" and
// "description" columns in any position. Empty descriptions and the literal
// "nan" become [DefaultDescription].
func ReadCatalog(r io.Reader) ([]CatalogRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", ErrCatalogInvalid)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogInvalid, err)
	}
	nameCol, descCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "name":
			nameCol = i
		case "description":
			descCol = i
		}
	}
	if nameCol < 0 || descCol < 0 {
		return nil, fmt.Errorf("%w: header %q needs name and description columns", ErrCatalogInvalid, header)
	}

	var rows []CatalogRow
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCatalogInvalid, err)
		}
		row := CatalogRow{Name: strings.TrimSpace(field(rec, nameCol)), Description: strings.TrimSpace(field(rec, descCol))}
		if row.Description == "" || strings.EqualFold(row.Description, "nan") {
			row.Description = DefaultDescription
		}
		rows = append(rows, row)
	}
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

// imageFolders lists the subdirectories of root in lexical order.
func imageFolders(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

// imageFiles lists the image files directly inside dir in lexical order.
func imageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && imageembed.IsImageFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// IngestCatalog embeds and stores every catalog image unless the collection
// is already populated.
//
// Row i of the catalog describes the i-th subfolder of imagesRoot in lexical
// order. When the counts differ the longer side is truncated with a warning.
// Images whose embedding fails are left out with a warning; the rest are
// written in one batch.
func (e *Engine) IngestCatalog(ctx context.Context, catalogPath, imagesRoot string) (IngestReport, error) {
	var rep IngestReport
	n, err := e.coll.Count(ctx)
	if err != nil {
		return rep, fmt.Errorf("places: count: %w", err)
	}
	if n > 0 {
		slog.Info("places already ingested", "collection", e.coll.Spec().Name, "images", n)
		rep.Existing = n
		return rep, nil
	}

	f, err := os.Open(catalogPath)
	if err != nil {
		return rep, fmt.Errorf("%w: %w", ErrCatalogMissing, err)
	}
	rows, err := ReadCatalog(f)
	f.Close()
	if err != nil {
		return rep, fmt.Errorf("%s: %w", catalogPath, err)
	}
	folders, err := imageFolders(imagesRoot)
	if err != nil {
		return rep, fmt.Errorf("%w: images root: %w", ErrCatalogMissing, err)
	}
	rep.Rows, rep.Folders = len(rows), len(folders)

	// Folders are matched to rows by position, never by name. Whether the
	// folder name should select the row instead is unresolved until the
	// source data is checked; existing catalogs rely on ordering.
	pairs := min(len(rows), len(folders))
	if len(rows) != len(folders) {
		rep.warn("catalog rows and image folders differ, extra entries ignored",
			"rows", len(rows), "folders", len(folders))
		rep.Skipped += max(len(rows), len(folders)) - pairs
	}

	var (
		refs  []imageembed.Ref
		metas []Meta
	)
	for i := range pairs {
		row, folder := rows[i], folders[i]
		if row.Name == "" {
			rep.warn("catalog row has no name, folder skipped", "row", i+1, "folder", folder)
			rep.Skipped++
			continue
		}
		files, err := imageFiles(filepath.Join(imagesRoot, folder))
		if err != nil {
			return rep, fmt.Errorf("places: list %s: %w", folder, err)
		}
		if len(files) == 0 {
			rep.warn("no images in folder", "building", row.Name, "folder", folder)
			rep.Skipped++
			continue
		}
		slog.Debug("catalog mapping", "building", row.Name, "folder", folder, "images", len(files))
		rep.Mapped++
		for _, path := range files {
			refs = append(refs, imageembed.FromPath(path))
			metas = append(metas, Meta{Name: row.Name, Description: row.Description, SourceFolder: folder, ImagePath: path})
		}
	}
	rep.Images = len(refs)
	if len(refs) == 0 {
		rep.warn("catalog produced no images to ingest", "catalog", catalogPath)
		return rep, nil
	}

	start := time.Now()
	vecs, err := e.embedder.EmbedImages(ctx, refs)
	if err != nil {
		return rep, fmt.Errorf("places: embed catalog: %w", err)
	}
	e.metrics.RecordEmbed(ctx, "image", time.Since(start))
	if len(vecs) != len(refs) {
		return rep, fmt.Errorf("places: embedder returned %d vectors for %d images", len(vecs), len(refs))
	}

	items := make([]vectorstore.Item[Meta], 0, len(refs))
	for i, v := range vecs {
		if vectorstore.IsZero(v) {
			rep.warn("image could not be embedded, left out", "path", metas[i].ImagePath)
			rep.Failed++
			continue
		}
		items = append(items, vectorstore.Item[Meta]{ID: uuid.NewString(), Embedding: vectorstore.Normalize(v), Meta: metas[i]})
	}
	if len(items) == 0 {
		return rep, nil
	}
	if err := e.coll.AddItems(ctx, items); err != nil {
		return rep, fmt.Errorf("places: store: %w", err)
	}
	rep.Stored = len(items)
	e.metrics.RecordIngest(ctx, "places", len(items))
	slog.Info("places ingested",
		"buildings", rep.Mapped, "images", rep.Images, "stored", rep.Stored,
		"failed", rep.Failed, "elapsed", time.Since(start))
	return rep, nil
}
