// Package patch reads V-Klay style binary patches and applies them to flash.
package patch

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	CommentMarker = ';'
)

// Chunk replaces OldData with NewData at BaseAddr, an offset from the start
// of the flash.
type Chunk struct {
	BaseAddr int64
	OldData  []byte
	NewData  []byte
}

func (c Chunk) EndAddr() int64 {
	return c.BaseAddr + int64(len(c.NewData))
}

type Patch struct {
	txt    string
	chunks []Chunk
}

// chunkSettings is the parser state that carries over from line to line.
type chunkSettings struct {
	oldEqualFF bool
	offset     int64
}

func FromFile(path string) (*Patch, error) {
	txt, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := FromString(string(txt))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func FromString(txt string) (*Patch, error) {
	p := &Patch{txt: txt}
	if err := p.parse(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Patch) String() string {
	return fmt.Sprintf("Patch with %d chunks", p.NumChunks())
}

func (p *Patch) NumChunks() int {
	return len(p.chunks)
}

func (p *Patch) Chunks() []Chunk {
	return p.chunks
}

// parseDataField decodes hex, optionally split into comma separated groups.
func parseDataField(df string) ([]byte, error) {
	var out []byte
	for _, group := range strings.Split(df, ",") {
		byteData, err := hex.DecodeString(strings.TrimSpace(group))
		if err != nil {
			return nil, err
		}
		out = append(out, byteData...)
	}
	return out, nil
}

func parsePragma(settings *chunkSettings, line string) error {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "#pragma" {
		return fmt.Errorf("malformed pragma %q", line)
	}
	var enable bool
	switch fields[1] {
	case "enable":
		enable = true
	case "disable":
		enable = false
	default:
		return fmt.Errorf("unknown pragma action %q", fields[1])
	}
	switch fields[2] {
	case "old_equal_ff":
		settings.oldEqualFF = enable
	default:
		log.Warnf("Ignoring unsupported pragma %q", fields[2])
	}
	return nil
}

func parseOffset(settings *chunkSettings, line string) error {
	offset, err := strconv.ParseInt(line[1:], 16, 64)
	if err != nil {
		return fmt.Errorf("cannot convert offset %q to int64: %v", line, err)
	}
	if line[0] == '-' {
		offset = -offset
	}
	settings.offset = offset
	return nil
}

// stripComments removes ';' and '//' comments and tracks /* */ blocks that
// span lines.
func stripComments(line string, inBlock *bool) string {
	var out strings.Builder
	for len(line) > 0 {
		if *inBlock {
			end := strings.Index(line, "*/")
			if end == -1 {
				return out.String()
			}
			line = line[end+2:]
			*inBlock = false
			continue
		}
		cut := strings.IndexAny(line, string(CommentMarker)+"/")
		if cut == -1 {
			out.WriteString(line)
			break
		}
		switch {
		case line[cut] == CommentMarker, strings.HasPrefix(line[cut:], "//"):
			out.WriteString(line[:cut])
			return out.String()
		case strings.HasPrefix(line[cut:], "/*"):
			out.WriteString(line[:cut])
			line = line[cut+2:]
			*inBlock = true
		default:
			out.WriteString(line[:cut+1])
			line = line[cut+1:]
		}
	}
	return out.String()
}

func (p *Patch) parse() error {
	var settings chunkSettings
	inBlock := false
	scanner := bufio.NewScanner(strings.NewReader(p.txt))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		patchLine := strings.TrimSpace(stripComments(scanner.Text(), &inBlock))

		// If there is nothing left in the string -- ignore it.
		if len(patchLine) == 0 {
			continue
		}
		if strings.HasPrefix(patchLine, "#") {
			if err := parsePragma(&settings, patchLine); err != nil {
				return fmt.Errorf("line %d: %v", lineNum, err)
			}
			continue
		}
		if patchLine[0] == '+' || patchLine[0] == '-' {
			if err := parseOffset(&settings, patchLine); err != nil {
				return fmt.Errorf("line %d: %v", lineNum, err)
			}
			continue
		}

		newChunk, err := parseChunk(settings, patchLine)
		if err != nil {
			return fmt.Errorf("line %d: %v", lineNum, err)
		}
		log.Debugf("Chunk @ %X: %d bytes", newChunk.BaseAddr, len(newChunk.NewData))
		p.chunks = append(p.chunks, newChunk)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if inBlock {
		return fmt.Errorf("unterminated /* comment")
	}
	return nil
}

func parseChunk(settings chunkSettings, patchLine string) (Chunk, error) {
	newChunk := Chunk{}

	addrPos := strings.Index(patchLine, ":")
	if addrPos == -1 {
		return newChunk, fmt.Errorf("no address info found")
	}
	addrHex := strings.TrimSpace(patchLine[:addrPos])
	addr, err := strconv.ParseInt(addrHex, 16, 64)
	if err != nil {
		return newChunk, fmt.Errorf("cannot convert %q to int64: %v", addrHex, err)
	}
	newChunk.BaseAddr = addr + settings.offset
	if newChunk.BaseAddr < 0 {
		return newChunk, fmt.Errorf("address %X with offset %X is negative", addr, settings.offset)
	}

	dataFields := strings.Fields(patchLine[addrPos+1:])
	switch len(dataFields) {
	case 1:
		if !settings.oldEqualFF {
			return newChunk, fmt.Errorf("no old data, and old_equal_ff is not enabled")
		}
		newData, err := parseDataField(dataFields[0])
		if err != nil {
			return newChunk, fmt.Errorf("cannot parse new data: %v", err)
		}
		newChunk.NewData = newData
		newChunk.OldData = make([]byte, len(newData))
		for i := range newChunk.OldData {
			newChunk.OldData[i] = 0xFF
		}
	case 2:
		oldData, err := parseDataField(dataFields[0])
		if err != nil {
			return newChunk, fmt.Errorf("cannot parse old data: %v", err)
		}
		newData, err := parseDataField(dataFields[1])
		if err != nil {
			return newChunk, fmt.Errorf("cannot parse new data: %v", err)
		}
		if len(oldData) != len(newData) {
			return newChunk, fmt.Errorf("old data has %d bytes, new data %d", len(oldData), len(newData))
		}
		newChunk.OldData = oldData
		newChunk.NewData = newData
	default:
		return newChunk, fmt.Errorf("cannot split %q into data information", patchLine[addrPos+1:])
	}
	if len(newChunk.NewData) == 0 {
		return newChunk, fmt.Errorf("empty chunk")
	}
	return newChunk, nil
}
