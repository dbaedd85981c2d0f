package signalbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Sender delivers one signal to a message broker.
// Send must not return nil before the broker durably acknowledged the message.
// It may be called more than once for the same signal.
type Sender interface {
	Send(ctx context.Context, sig *Signal) error
}

// BatchSender is implemented by senders that can deliver a whole burst with
// one round trip. Returning nil acknowledges every signal of the batch.
type BatchSender interface {
	Sender
	SendMany(ctx context.Context, sigs []*Signal) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, sig *Signal) error

// Send calls f(ctx, sig).
func (f SenderFunc) Send(ctx context.Context, sig *Signal) error {
	return f(ctx, sig)
}

// SignalType describes a table of pending signals and how to deliver them.
type SignalType struct {
	// Name identifies the signal type on the command line and in logs.
	Name string
	// Table holds one row per pending signal.
	Table string
	// PrimaryKey lists the key columns of Table.
	PrimaryKey []string
	// Columns restricts the loaded columns. Key columns are always loaded.
	// Empty means all columns.
	Columns []string
	// BurstCount is the maximum number of signals delivered per transaction.
	// Defaults to 1.
	BurstCount int
	// Sender delivers the signals. If it also implements BatchSender, bursts
	// of more than one signal are sent with SendMany.
	Sender Sender
	// Chooser, when set, makes bursts re-acquire their rows by joining the
	// table with the relation it returns instead of a key list predicate.
	Chooser RowChooser
}

func (st *SignalType) validate() error {
	if st.Name == "" {
		return fmt.Errorf("signal type name cannot be empty")
	}
	if err := validateIdentifier("table", st.Table); err != nil {
		return fmt.Errorf("signal type %s: %w", st.Name, err)
	}
	if len(st.PrimaryKey) == 0 {
		return fmt.Errorf("signal type %s: primary key cannot be empty", st.Name)
	}
	for _, col := range append(append([]string(nil), st.PrimaryKey...), st.Columns...) {
		if err := validateIdentifier("column", col); err != nil {
			return fmt.Errorf("signal type %s: %w", st.Name, err)
		}
	}
	if st.BurstCount < 0 {
		return fmt.Errorf("signal type %s: %w", st.Name, ErrInvalidBurstCount)
	}
	if st.BurstCount == 0 {
		st.BurstCount = 1
	}
	if st.Sender == nil {
		return fmt.Errorf("signal type %s: %w", st.Name, ErrNoSender)
	}
	return nil
}

// loadColumns returns the columns fetched for each signal, key columns first.
// A nil result means all columns.
func (st *SignalType) loadColumns() []string {
	if len(st.Columns) == 0 {
		return nil
	}
	cols := append([]string(nil), st.PrimaryKey...)
	for _, c := range st.Columns {
		if !containsFold(cols, c) {
			cols = append(cols, c)
		}
	}
	return cols
}

// Key holds primary key values in primary key column order.
type Key []any

// String joins the key values with commas.
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}

// rankKey encodes k with every value quoted and typed, so keys whose values
// contain commas stay distinct.
func (k Key) rankKey() string {
	return fmt.Sprintf("%#v", []any(k))
}

// MessageNamespace is the UUID namespace of Signal.MessageID.
var MessageNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/oagudo/signalbus"))

// Signal is one pending row loaded by a burst.
type Signal struct {
	Type   string
	Table  string
	Key    Key
	Values map[string]any

	detached bool
}

// Detached reports whether the row behind the signal was deleted by a
// committed burst. Detached signals carry no values.
func (s *Signal) Detached() bool {
	return s.detached
}

func (s *Signal) detach() {
	s.detached = true
	s.Values = nil
}

// MessageID is a stable identifier of the row, derived from its table and
// key. Brokers that deduplicate on message IDs drop redeliveries of the same
// row.
func (s *Signal) MessageID() uuid.UUID {
	return uuid.NewSHA1(MessageNamespace, []byte(s.Table+"/"+s.Key.String()))
}

// Value returns the named column. Column names match case-insensitively
// when there is no exact match.
func (s *Signal) Value(column string) (any, bool) {
	if v, ok := s.Values[column]; ok {
		return v, true
	}
	for name, v := range s.Values {
		if strings.EqualFold(name, column) {
			return v, true
		}
	}
	return nil, false
}

// Bytes returns the named column as bytes. Strings are converted, other
// values are formatted with fmt.
func (s *Signal) Bytes(column string) ([]byte, bool) {
	v, ok := s.Value(column)
	if !ok || v == nil {
		return nil, false
	}
	switch val := v.(type) {
	case []byte:
		return val, true
	case string:
		return []byte(val), true
	default:
		return []byte(fmt.Sprint(val)), true
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
