// Package journal records push-feed snapshots as gzip-compressed JSON lines
// and reads them back for replay.
package journal

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"

	"github.com/xenking/order-engine/internal/domain/order"
	"github.com/xenking/order-engine/internal/wire"
)

// maxLine bounds a single encoded snapshot.
const maxLine = 64 << 20

// Record is one snapshot delivered by the feed.
type Record struct {
	At     time.Time
	Filter order.Filter
	Orders []order.Order
}

func encodeRecord(e *jx.Encoder, r Record) {
	e.ObjStart()
	e.FieldStart("at")
	e.Str(r.At.UTC().Format(time.RFC3339Nano))
	e.FieldStart("filter")
	e.ObjStart()
	if r.Filter.PartnerID != "" {
		e.FieldStart("partner_id")
		e.Str(r.Filter.PartnerID)
	}
	if r.Filter.PlacedBy != "" {
		e.FieldStart("placed_by")
		e.Str(r.Filter.PlacedBy)
	}
	e.ObjEnd()
	e.FieldStart("orders")
	wire.EncodeOrders(e, r.Orders)
	e.ObjEnd()
}

func decodeRecord(d *jx.Decoder) (Record, error) {
	var r Record
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "at":
			s, err := d.Str()
			if err != nil {
				return err
			}
			r.At, err = time.Parse(time.RFC3339Nano, s)
			return err
		case "filter":
			return d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "partner_id":
					r.Filter.PartnerID, err = d.Str()
				case "placed_by":
					r.Filter.PlacedBy, err = d.Str()
				default:
					err = d.Skip()
				}
				return err
			})
		case "orders":
			var err error
			r.Orders, err = wire.DecodeOrders(d)
			return err
		default:
			return d.Skip()
		}
	})
	return r, err
}

// Recorder appends records to a gzip stream.
type Recorder struct {
	mu     sync.Mutex
	gz     *pgzip.Writer
	closer io.Closer
	lg     *zap.Logger
	now    func() time.Time
}

// NewRecorder writes records to w.
func NewRecorder(w io.Writer, lg *zap.Logger) *Recorder {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Recorder{gz: pgzip.NewWriter(w), lg: lg, now: time.Now}
}

// Create writes records to a new file at path.
func Create(path string, lg *zap.Logger) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	r := NewRecorder(f, lg)
	r.closer = f
	return r, nil
}

// Record appends one record.
func (r *Recorder) Record(rec Record) error {
	var e jx.Encoder
	encodeRecord(&e, rec)
	e.RawStr("\n")

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.gz.Write(e.Bytes()); err != nil {
		return errors.Wrap(err, "write record")
	}
	return nil
}

// Close flushes the gzip stream and closes the underlying file, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.gz.Close(); err != nil {
		return errors.Wrap(err, "close gzip")
	}
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Wrap returns a feed that records every snapshot of feed before passing it
// on.
func (r *Recorder) Wrap(feed order.Feed) order.Feed {
	return &recordingFeed{feed: feed, rec: r}
}

type recordingFeed struct {
	feed order.Feed
	rec  *Recorder
}

func (f *recordingFeed) Subscribe(ctx context.Context, filter order.Filter, fn order.SnapshotFunc) (func(), error) {
	return f.feed.Subscribe(ctx, filter, func(orders []order.Order) {
		if err := f.rec.Record(Record{At: f.rec.now(), Filter: filter, Orders: orders}); err != nil {
			f.rec.lg.Warn("Journal record failed", zap.Error(err))
		}
		fn(orders)
	})
}

// Reader reads records from a gzip stream.
type Reader struct {
	gz      *pgzip.Reader
	scanner *bufio.Scanner
	closer  io.Closer
}

// NewReader reads records from r.
func NewReader(r io.Reader) (*Reader, error) {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "create gzip reader")
	}
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
	return &Reader{gz: gz, scanner: scanner}, nil
}

// Open reads records from the file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Next returns the next record or io.EOF.
func (r *Reader) Next() (Record, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := decodeRecord(jx.DecodeBytes(line))
		if err != nil {
			return Record{}, errors.Wrap(err, "decode record")
		}
		return rec, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Record{}, errors.Wrap(err, "scan")
	}
	return Record{}, io.EOF
}

// Close releases the reader.
func (r *Reader) Close() error {
	_ = r.gz.Close()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Replay calls fn for every record until the stream ends, fn fails or ctx is
// done.
func Replay(ctx context.Context, r *Reader, fn func(Record) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
