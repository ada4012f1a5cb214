// Package archive keeps a copy of what every load run read and wrote in a
// blob bucket, so a generation can be audited or replayed later.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver

	"github.com/EmpoweredVote/cannabis-licenses/internal/licenses"
)

// Object names inside a run directory.
const (
	RawObject     = "raw.json.zst"
	RecordsObject = "licencias.parquet"
)

// Row is the parquet layout of one stored record.
type Row struct {
	ID                 int64  `parquet:"id"`
	Clave              string `parquet:"clave"`
	Departamento       string `parquet:"departamento"`
	Municipio          string `parquet:"municipio"`
	NoPsico            int64  `parquet:"no_psico"`
	Psico              int64  `parquet:"psico"`
	Semillas           int64  `parquet:"semillas"`
	Total              int64  `parquet:"total"`
	FechaActualizacion string `parquet:"fecha_actualizacion"`
}

// Archiver writes run snapshots to a gocloud.dev bucket.
type Archiver struct {
	bucket *blob.Bucket
	log    *zap.Logger
}

// Open opens the bucket at url (file:///dir, s3://bucket?region=..., mem://).
func Open(ctx context.Context, url string, log *zap.Logger) (*Archiver, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open archive bucket: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{bucket: bucket, log: log}, nil
}

// RunPrefix is the directory holding the objects of one run.
func RunPrefix(runID uuid.UUID) string {
	return "runs/" + runID.String() + "/"
}

// Snapshot stores the raw source payload (zstd-compressed JSON) and the
// loaded records (parquet) under runs/<run-id>/.
func (a *Archiver) Snapshot(ctx context.Context, runID uuid.UUID, raw any, records []licenses.License, loadedAt time.Time) error {
	prefix := RunPrefix(runID)

	rawBytes, err := compressJSON(raw)
	if err != nil {
		return fmt.Errorf("encode raw snapshot: %w", err)
	}
	if err := a.put(ctx, prefix+RawObject, rawBytes, "application/zstd"); err != nil {
		return err
	}

	pq, err := encodeParquet(records, loadedAt)
	if err != nil {
		return fmt.Errorf("encode parquet: %w", err)
	}
	if err := a.put(ctx, prefix+RecordsObject, pq, "application/vnd.apache.parquet"); err != nil {
		return err
	}

	a.log.Info("archived run",
		zap.String("run_id", runID.String()),
		zap.Int("raw_bytes", len(rawBytes)),
		zap.Int("parquet_bytes", len(pq)),
	)
	return nil
}

// ReadRecords loads the parquet snapshot of a run.
func (a *Archiver) ReadRecords(ctx context.Context, runID uuid.UUID) ([]Row, error) {
	data, err := a.bucket.ReadAll(ctx, RunPrefix(runID)+RecordsObject)
	if err != nil {
		return nil, fmt.Errorf("read parquet snapshot: %w", err)
	}
	return parquet.Read[Row](bytes.NewReader(data), int64(len(data)))
}

// ReadRaw decompresses the raw snapshot of a run into v.
func (a *Archiver) ReadRaw(ctx context.Context, runID uuid.UUID, v any) error {
	r, err := a.bucket.NewReader(ctx, RunPrefix(runID)+RawObject, nil)
	if err != nil {
		return fmt.Errorf("open raw snapshot: %w", err)
	}
	defer r.Close()

	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	jd := json.NewDecoder(dec)
	jd.UseNumber()
	return jd.Decode(v)
}

// Close releases the bucket.
func (a *Archiver) Close() error {
	return a.bucket.Close()
}

func (a *Archiver) put(ctx context.Context, key string, data []byte, contentType string) error {
	w, err := a.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

func compressJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	if err := json.NewEncoder(enc).Encode(v); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeParquet(records []licenses.License, loadedAt time.Time) ([]byte, error) {
	rows := make([]Row, len(records))
	stamp := loadedAt.UTC().Format(time.RFC3339)
	for i, r := range records {
		rows[i] = Row{
			ID:                 int64(r.ID),
			Clave:              r.Key.String(),
			Departamento:       r.Department,
			Municipio:          r.Municipality,
			NoPsico:            r.NonPsychoactive,
			Psico:              r.Psychoactive,
			Semillas:           r.Seeds,
			Total:              r.Total,
			FechaActualizacion: stamp,
		}
	}

	var buf bytes.Buffer
	if err := writeParquet(&buf, rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeParquet(w io.Writer, rows []Row) error {
	pw := parquet.NewGenericWriter[Row](w)
	if _, err := pw.Write(rows); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}
