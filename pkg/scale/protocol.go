package scale

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Wire tokens of the weight sensor line protocol.
const (
	lineReady    = "READY"
	lineTaring   = "TARING"
	lineTared    = "TARED"
	linePong     = "PONG"
	prefixWeight = "WEIGHT:"
	prefixError  = "ERROR:"

	codeNoReading = "NO_READING"

	cmdTare = "TARE\n"
	cmdPing = "PING\n"
)

// Kind classifies a line received from the device.
type Kind int

const (
	KindUnknown Kind = iota
	KindReady
	KindWeight
	KindError
	KindTaring
	KindTared
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindWeight:
		return "weight"
	case KindError:
		return "error"
	case KindTaring:
		return "taring"
	case KindTared:
		return "tared"
	case KindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Message is a parsed device line.
type Message struct {
	Kind  Kind
	Grams float64 // Valid for KindWeight
	Code  string  // Valid for KindError
}

// Transient reports whether the message is an expected gap in readings.
func (m Message) Transient() bool {
	return m.Kind == KindError && m.Code == codeNoReading
}

// parseLine parses a line from the device into a Message.
// Format: READY | WEIGHT:<float> | ERROR:<code> | TARING | TARED | PONG
// Example: WEIGHT:12.34
// Unrecognised lines yield KindUnknown without error; a WEIGHT line whose
// value is not a number is an error.
func parseLine(line string) (Message, error) {
	line = strings.TrimSpace(line)

	switch {
	case line == lineReady:
		return Message{Kind: KindReady}, nil
	case line == lineTaring:
		return Message{Kind: KindTaring}, nil
	case line == lineTared:
		return Message{Kind: KindTared}, nil
	case line == linePong:
		return Message{Kind: KindPong}, nil
	case strings.HasPrefix(line, prefixWeight):
		grams, err := strconv.ParseFloat(strings.TrimSpace(line[len(prefixWeight):]), 64)
		if err != nil {
			return Message{}, fmt.Errorf("invalid weight: %w", err)
		}
		if math.IsNaN(grams) || math.IsInf(grams, 0) {
			return Message{}, fmt.Errorf("weight out of range: %v", grams)
		}
		return Message{Kind: KindWeight, Grams: grams}, nil
	case strings.HasPrefix(line, prefixError):
		return Message{Kind: KindError, Code: line[len(prefixError):]}, nil
	default:
		return Message{Kind: KindUnknown}, nil
	}
}
