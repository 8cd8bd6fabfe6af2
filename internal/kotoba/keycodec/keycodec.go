// Package keycodec maps a (room, sequence) pair onto a byte key whose
// lexicographic order equals chronological order inside one room.
//
// Layout:
//
//	room:<escaped room id>:<20-digit zero-padded sequence>
//
// The room id is escaped so that it never contains the ':' delimiter. That
// keeps the key range of room "abc" disjoint from the range of "abc:extra".
// The sequence is fixed-width, so keys of one room compare the same way their
// sequence numbers do across the whole uint64 range.
package keycodec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidIdentifier is returned for room ids the codec refuses to encode.
var ErrInvalidIdentifier = errors.New("invalid room identifier")

const (
	namespace = "room"
	delimiter = ':'
	seqWidth  = 20 // len(strconv.FormatUint(math.MaxUint64, 10))
)

var (
	escaper   = strings.NewReplacer("%", "%25", ":", "%3A")
	unescaper = strings.NewReplacer("%3A", ":", "%25", "%")
)

// Encode returns the storage key for entry seq of roomID.
func Encode(roomID string, seq uint64) ([]byte, error) {
	prefix, err := roomPrefix(roomID)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 0, len(prefix)+seqWidth)
	key = append(key, prefix...)
	return appendSeq(key, seq), nil
}

// PrefixRange returns the half-open range [low, high) holding every key of
// roomID and nothing else.
func PrefixRange(roomID string) (low, high []byte, err error) {
	prefix, err := roomPrefix(roomID)
	if err != nil {
		return nil, nil, err
	}
	low = []byte(prefix)
	high = []byte(prefix)
	// The prefix ends with the delimiter, so bumping the last byte yields
	// the smallest key that sorts after every key sharing the prefix.
	high[len(high)-1]++
	return low, high, nil
}

// Decode splits a key produced by Encode back into its room id and sequence.
func Decode(key []byte) (roomID string, seq uint64, err error) {
	s := string(key)
	head := namespace + string(delimiter)
	if !strings.HasPrefix(s, head) {
		return "", 0, fmt.Errorf("decode key %q: missing %q namespace", s, namespace)
	}
	rest := s[len(head):]
	i := strings.LastIndexByte(rest, delimiter)
	if i <= 0 {
		return "", 0, fmt.Errorf("decode key %q: missing sequence delimiter", s)
	}
	digits := rest[i+1:]
	if len(digits) != seqWidth {
		return "", 0, fmt.Errorf("decode key %q: sequence must be %d digits", s, seqWidth)
	}
	seq, err = strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("decode key %q: %w", s, err)
	}
	return unescaper.Replace(rest[:i]), seq, nil
}

func roomPrefix(roomID string) (string, error) {
	if roomID == "" {
		return "", fmt.Errorf("%w: room id must not be empty", ErrInvalidIdentifier)
	}
	return namespace + string(delimiter) + escaper.Replace(roomID) + string(delimiter), nil
}

func appendSeq(dst []byte, seq uint64) []byte {
	digits := strconv.FormatUint(seq, 10)
	for i := len(digits); i < seqWidth; i++ {
		dst = append(dst, '0')
	}
	return append(dst, digits...)
}
