package bbsnapshot

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/brandur/blackboard/internal/bbstore"
)

// Encoded in place of a number for boards that never go stale.
const infiniteValidity = "infinite"

// Encode serializes boards as an indented JSON object keyed by board name.
// encoding/json sorts map keys, so output is deterministic.
func Encode(boards map[string]*bbstore.Board) ([]byte, error) {
	serialized := make(map[string]*serializedBoard, len(boards))
	for name, board := range boards {
		serialized[name] = serializedBoardFrom(board)
	}

	data, err := json.MarshalIndent(serialized, "", "    ")
	if err != nil {
		return nil, xerrors.Errorf("error encoding boards: %w", err)
	}

	return data, nil
}

func Decode(data []byte) (map[string]*bbstore.Board, error) {
	var serialized map[string]*serializedBoard
	if err := json.Unmarshal(data, &serialized); err != nil {
		return nil, xerrors.Errorf("error decoding boards: %w", err)
	}

	if serialized == nil {
		return nil, xerrors.New("snapshot is not an object")
	}

	boards := make(map[string]*bbstore.Board, len(serialized))
	for name, board := range serialized {
		if board == nil {
			return nil, xerrors.Errorf("board %q is null", name)
		}

		b := board.ToBoard(name)
		if !b.Validity.Valid() {
			return nil, xerrors.Errorf("board %q is missing validity_duration", name)
		}
		if b.LastWriteTime.IsZero() {
			return nil, xerrors.Errorf("board %q is missing last_write_time", name)
		}
		boards[name] = b
	}

	return boards, nil
}

// The on-disk shape of a board. Fields are ordered the way encoding/json would
// sort them to keep the output uniformly alphabetical.
type serializedBoard struct {
	LastWriteTime    epochSeconds    `json:"last_write_time"`
	Payload          *string         `json:"payload"`
	ValidityDuration validitySeconds `json:"validity_duration"`
}

func serializedBoardFrom(b *bbstore.Board) *serializedBoard {
	payload := b.Payload
	return &serializedBoard{
		LastWriteTime:    epochSeconds(b.LastWriteTime),
		Payload:          &payload,
		ValidityDuration: validitySeconds(b.Validity),
	}
}

func (b *serializedBoard) ToBoard(name string) *bbstore.Board {
	var payload string
	if b.Payload != nil {
		payload = *b.Payload
	}

	return &bbstore.Board{
		Name:          name,
		Validity:      bbstore.Validity(b.ValidityDuration),
		LastWriteTime: time.Time(b.LastWriteTime),
		Payload:       payload,
	}
}

// epochSeconds is a timestamp encoded as decimal seconds since the Unix epoch
// with microsecond precision. Encoding and decoding go through exact decimal
// arithmetic so a timestamp survives a round trip unchanged.
type epochSeconds time.Time

func (t epochSeconds) MarshalJSON() ([]byte, error) {
	return []byte(formatScaled(time.Time(t).UnixMicro(), 6)), nil
}

func (t *epochSeconds) UnmarshalJSON(data []byte) error {
	micros, overflow, err := parseScaled(data, 6)
	if err != nil {
		return xerrors.Errorf("error parsing last_write_time: %w", err)
	}
	if overflow {
		return xerrors.Errorf("last_write_time out of range: %s", data)
	}

	*t = epochSeconds(time.UnixMicro(micros).UTC())
	return nil
}

// validitySeconds is a validity encoded as decimal seconds, or the string
// "infinite".
type validitySeconds bbstore.Validity

func (v validitySeconds) MarshalJSON() ([]byte, error) {
	if bbstore.Validity(v).IsInfinite() {
		return json.Marshal(infiniteValidity)
	}
	return []byte(formatScaled(int64(v), 9)), nil
}

func (v *validitySeconds) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return xerrors.Errorf("error parsing validity_duration: %w", err)
		}

		switch strings.ToLower(s) {
		case infiniteValidity, "inf", "infinity":
			*v = validitySeconds(bbstore.ValidityInfinite)
			return nil
		}
		return xerrors.Errorf("unknown validity_duration: %q", s)
	}

	nanos, overflow, err := parseScaled(data, 9)
	if err != nil {
		return xerrors.Errorf("error parsing validity_duration: %w", err)
	}

	switch {
	case overflow && nanos > 0, nanos == 0:
		*v = validitySeconds(bbstore.ValidityInfinite)
	case overflow, nanos < 0:
		return xerrors.Errorf("validity_duration must not be negative: %s", data)
	default:
		*v = validitySeconds(nanos)
	}
	return nil
}

// formatScaled renders value/10^scale as an exact decimal string with trailing
// zeros trimmed.
func formatScaled(value int64, scale int) string {
	var sign string
	abs := uint64(value)
	if value < 0 {
		sign = "-"
		abs = uint64(-(value + 1)) + 1
	}

	pow := uint64(1)
	for i := 0; i < scale; i++ {
		pow *= 10
	}

	whole := strconv.FormatUint(abs/pow, 10)
	frac := strconv.FormatUint(abs%pow, 10)
	frac = strings.Repeat("0", scale-len(frac)) + frac
	frac = strings.TrimRight(frac, "0")

	if frac == "" {
		return sign + whole
	}
	return sign + whole + "." + frac
}

// parseScaled parses a JSON number and returns it multiplied by 10^scale,
// truncated toward zero. overflow is set, with the sign of the number in
// value, if the result doesn't fit in an int64.
func parseScaled(data []byte, scale int) (value int64, overflow bool, err error) {
	s := string(bytes.TrimSpace(data))
	if s == "" || s == "null" {
		return 0, false, xerrors.New("missing number")
	}

	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return 0, false, xerrors.Errorf("invalid number: %s", s)
	}

	r.Mul(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)))
	q := new(big.Int).Quo(r.Num(), r.Denom())

	if !q.IsInt64() {
		return int64(q.Sign()), true, nil
	}
	return q.Int64(), false, nil
}
