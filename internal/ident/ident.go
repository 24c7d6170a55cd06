// Package ident derives lot and serial identifiers from business attributes.
//
// Derivation is deterministic and side-effect free. The atomic
// read-max-then-insert step that makes sequences collision-free under
// concurrency lives in the server store, inside one transaction.
package ident

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Sequence and counter bounds.
const (
	// MaxSequence is the highest lot sequence per (line, model, month) group.
	MaxSequence = 99
	// MaxSerialCounter is the highest intra-lot serial counter.
	MaxSerialCounter = 999

	lotNumberLen = 13 // country(2) + line(2) + model(3) + YYMM(4) + seq(2)
)

// ErrSequenceExhausted is returned when a group already holds MaxSequence
// lots in a month. Never retryable.
var ErrSequenceExhausted = errors.New("lot sequence exhausted for group")

// MonthKey returns the YYMM group component for a production date.
func MonthKey(date time.Time) string {
	return date.Format("0601")
}

// LotNumber derives a lot number: country(2)+line(2)+model(3)+YYMM(4)+NN(2).
func LotNumber(country, line, model string, date time.Time, seq int) (string, error) {
	if len(country) != 2 {
		return "", fmt.Errorf("country code must be 2 characters, got %q", country)
	}
	if len(line) != 2 {
		return "", fmt.Errorf("line code must be 2 characters, got %q", line)
	}
	if len(model) != 3 {
		return "", fmt.Errorf("model code must be 3 characters, got %q", model)
	}
	if seq < 1 {
		return "", fmt.Errorf("lot sequence must be positive, got %d", seq)
	}
	if seq > MaxSequence {
		return "", fmt.Errorf("%w: sequence %d exceeds %d", ErrSequenceExhausted, seq, MaxSequence)
	}
	return fmt.Sprintf("%s%s%s%s%02d", country, line, model, MonthKey(date), seq), nil
}

// SerialNumber derives a serial number: lot number + zero-padded counter.
func SerialNumber(lotNumber string, n int) (string, error) {
	if len(lotNumber) != lotNumberLen {
		return "", fmt.Errorf("malformed lot number %q", lotNumber)
	}
	if n < 1 || n > MaxSerialCounter {
		return "", fmt.Errorf("serial counter %d out of range 1..%d", n, MaxSerialCounter)
	}
	return fmt.Sprintf("%s%03d", lotNumber, n), nil
}

// LotNumberParts is the decomposition of a derived lot number.
type LotNumberParts struct {
	Country  string
	Line     string
	Model    string
	YYMM     string
	Sequence int
}

// ParseLotNumber splits a lot number back into its components.
func ParseLotNumber(lotNumber string) (LotNumberParts, error) {
	if len(lotNumber) != lotNumberLen {
		return LotNumberParts{}, fmt.Errorf("malformed lot number %q", lotNumber)
	}
	seq, err := strconv.Atoi(lotNumber[11:13])
	if err != nil || seq < 1 {
		return LotNumberParts{}, fmt.Errorf("malformed lot number %q", lotNumber)
	}
	return LotNumberParts{
		Country:  lotNumber[0:2],
		Line:     lotNumber[2:4],
		Model:    lotNumber[4:7],
		YYMM:     lotNumber[7:11],
		Sequence: seq,
	}, nil
}

// ParseSerialNumber splits a serial number into its lot number and counter.
func ParseSerialNumber(serialNumber string) (lotNumber string, counter int, err error) {
	if len(serialNumber) != lotNumberLen+3 {
		return "", 0, fmt.Errorf("malformed serial number %q", serialNumber)
	}
	counter, err = strconv.Atoi(serialNumber[lotNumberLen:])
	if err != nil || counter < 1 {
		return "", 0, fmt.Errorf("malformed serial number %q", serialNumber)
	}
	return serialNumber[:lotNumberLen], counter, nil
}
