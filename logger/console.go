package logger

import (
	"bytes"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// consoleWriter re-encodes each event before writing it out so duplicate
// json keys collapse to the last value.
//
// zerolog appends keys without tracking which ones an event already has, so
// sub-loggers layered with With() can produce the same key twice in one
// event. Decoding into a map and encoding again prunes the duplicates at the
// cost of one decode/encode per event, which only the json console output
// pays.
type consoleWriter struct {
	out io.Writer
}

func (c *consoleWriter) Write(p []byte) (n int, err error) {
	var evt map[string]any
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	err = d.Decode(&evt)
	if err != nil {
		return n, fmt.Errorf("cannot decode event: %s", err)
	}
	e := json.NewEncoder(c.out)
	return len(p), e.Encode(evt)
}
