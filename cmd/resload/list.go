package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/objectfs/resload/pkg/types"
)

func readList(path string) ([]types.LoadRequest, error) {
	if path == "-" {
		return parseList(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseList(f)
}

// parseList reads "priority url [type]" lines; blank lines and # comments
// are skipped and a bare url gets the default priority
func parseList(r io.Reader) ([]types.LoadRequest, error) {
	var out []types.LoadRequest
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Fields(text)
		req := types.LoadRequest{Priority: types.DefaultPriority}
		if p, err := strconv.Atoi(fields[0]); err == nil {
			req.Priority = p
			fields = fields[1:]
		}
		if len(fields) == 0 || len(fields) > 2 {
			return nil, fmt.Errorf("line %d: expected \"priority url [type]\"", line)
		}
		req.URL = fields[0]
		req.ID = fields[0]
		if len(fields) == 2 {
			req.Type = types.ParseResourceType(fields[1])
		}
		out = append(out, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
