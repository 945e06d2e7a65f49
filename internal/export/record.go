// Package export ships finished transcripts as Arrow record batches, either
// to an Arrow IPC file or to an Arrow Flight endpoint.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
)

// Transcript is one finished transcription.
type Transcript struct {
	ID        string
	Source    string
	Mode      string
	Language  string
	Text      string
	AudioMs   float64
	TotalMs   float64
	Tokens    int
	CreatedAt time.Time
}

// NewTranscript fills in a fresh id and the creation time.
func NewTranscript(source, mode, text string) Transcript {
	return Transcript{
		ID:        uuid.NewString(),
		Source:    source,
		Mode:      mode,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
}

// Sink receives batches of transcripts.
type Sink interface {
	Write(ctx context.Context, ts []Transcript) error
	Close() error
}

// Schema is the Arrow layout of a transcript record batch.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.BinaryTypes.String},
	{Name: "source", Type: arrow.BinaryTypes.String},
	{Name: "mode", Type: arrow.BinaryTypes.String},
	{Name: "language", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "text", Type: arrow.BinaryTypes.String},
	{Name: "audio_ms", Type: arrow.PrimitiveTypes.Float64},
	{Name: "total_ms", Type: arrow.PrimitiveTypes.Float64},
	{Name: "tokens", Type: arrow.PrimitiveTypes.Int32},
	{Name: "created_at", Type: arrow.FixedWidthTypes.Timestamp_ms},
}, nil)

// BuildRecord converts ts into one record batch. The caller releases it.
func BuildRecord(mem memory.Allocator, ts []Transcript) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	for _, t := range ts {
		b.Field(0).(*array.StringBuilder).Append(t.ID)
		b.Field(1).(*array.StringBuilder).Append(t.Source)
		b.Field(2).(*array.StringBuilder).Append(t.Mode)
		if t.Language == "" {
			b.Field(3).(*array.StringBuilder).AppendNull()
		} else {
			b.Field(3).(*array.StringBuilder).Append(t.Language)
		}
		b.Field(4).(*array.StringBuilder).Append(t.Text)
		b.Field(5).(*array.Float64Builder).Append(t.AudioMs)
		b.Field(6).(*array.Float64Builder).Append(t.TotalMs)
		b.Field(7).(*array.Int32Builder).Append(int32(t.Tokens))
		b.Field(8).(*array.TimestampBuilder).Append(arrow.Timestamp(t.CreatedAt.UnixMilli()))
	}
	return b.NewRecord()
}

// ReadRecord converts a transcript record batch back into values.
func ReadRecord(rec arrow.Record) ([]Transcript, error) {
	got := rec.Schema()
	if got.NumFields() != Schema.NumFields() {
		return nil, fmt.Errorf("unexpected schema: %d fields, want %d", got.NumFields(), Schema.NumFields())
	}
	for i, f := range Schema.Fields() {
		if g := got.Field(i); g.Name != f.Name || g.Type.ID() != f.Type.ID() {
			return nil, fmt.Errorf("unexpected schema field %d: %s %s", i, g.Name, g.Type)
		}
	}
	ids := rec.Column(0).(*array.String)
	sources := rec.Column(1).(*array.String)
	modes := rec.Column(2).(*array.String)
	langs := rec.Column(3).(*array.String)
	texts := rec.Column(4).(*array.String)
	audio := rec.Column(5).(*array.Float64)
	total := rec.Column(6).(*array.Float64)
	tokens := rec.Column(7).(*array.Int32)
	created := rec.Column(8).(*array.Timestamp)

	out := make([]Transcript, rec.NumRows())
	for i := range out {
		out[i] = Transcript{
			ID:        ids.Value(i),
			Source:    sources.Value(i),
			Mode:      modes.Value(i),
			Text:      texts.Value(i),
			AudioMs:   audio.Value(i),
			TotalMs:   total.Value(i),
			Tokens:    int(tokens.Value(i)),
			CreatedAt: time.UnixMilli(int64(created.Value(i))).UTC(),
		}
		if langs.IsValid(i) {
			out[i].Language = langs.Value(i)
		}
	}
	return out, nil
}
