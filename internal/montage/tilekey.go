package montage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TileKey is a cell of the montage grid.
type TileKey struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (k TileKey) String() string {
	return fmt.Sprintf("r%dc%d", k.Row, k.Col)
}

var rowColSuffix = regexp.MustCompile(`^r([0-9]+)c([0-9]+)$`)

// ParseTileKey extracts the grid cell from an identifier of the form
// <prefix>_r<row>c<col>. The returned prefix is everything before the last
// underscore.
func ParseTileKey(identifier string) (TileKey, string, error) {
	idx := strings.LastIndex(identifier, "_")
	if idx < 0 {
		return TileKey{}, "", &Error{Code: CodeMalformedIdentifier, Tile: identifier, Msg: "no underscore-delimited row/column suffix"}
	}
	prefix, suffix := identifier[:idx], identifier[idx+1:]

	m := rowColSuffix.FindStringSubmatch(suffix)
	if m == nil {
		return TileKey{}, "", &Error{Code: CodeMalformedIdentifier, Tile: identifier, Msg: fmt.Sprintf("suffix %q is not r<row>c<col>", suffix)}
	}
	row, err := strconv.Atoi(m[1])
	if err != nil {
		return TileKey{}, "", &Error{Code: CodeMalformedIdentifier, Tile: identifier, Msg: "row", Err: err}
	}
	col, err := strconv.Atoi(m[2])
	if err != nil {
		return TileKey{}, "", &Error{Code: CodeMalformedIdentifier, Tile: identifier, Msg: "column", Err: err}
	}
	return TileKey{Row: row, Col: col}, prefix, nil
}

// TileName builds the identifier ParseTileKey reverses.
func TileName(prefix string, key TileKey) string {
	return prefix + "_" + key.String()
}

// InferGridSize returns the smallest grid holding every parseable
// identifier. Malformed identifiers are ignored.
func InferGridSize(identifiers []string) (rows, cols int) {
	for _, id := range identifiers {
		key, _, err := ParseTileKey(id)
		if err != nil {
			continue
		}
		rows = max(rows, key.Row+1)
		cols = max(cols, key.Col+1)
	}
	return rows, cols
}
