// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package extent

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/ferr"
)

// header is the tab-separated column line that follows "count N" in
// the persisted format (§6). It is fixed; Load rejects any other
// header line verbatim.
const header = "physical\tlogical\tlength\tuser_data"

// banners is the fixed set of six "#"-prefixed lines that open every
// persisted extent set. Save writes them verbatim; Load requires each
// of the six lines it reads to start with "#", but does not otherwise
// check their content, so that a hand-edited comment doesn't trip
// EPROTO.
var banners = [6]string{
	"# fsremap extent set",
	"#",
	"# This file is part of a fsremap job directory.",
	"# Do not edit it while a job is running.",
	"#",
	"#  extent           physical         logical      length  user_data",
}

// encodeUserData collapses an Extent's UserData down to the single
// decimal column the wire format has room for: 0 and 1 round-trip as
// TagDefault/TagZeroed, anything else is assumed to be a storage-arena
// offset and is stored as -(offset+2), keeping it distinguishable
// from the two reserved tag values and from a plain offset of 0.
func encodeUserData(ud UserData) int64 {
	switch ud.Tag {
	case TagDefault:
		return 0
	case TagZeroed:
		return 1
	default:
		return -(ud.Offset + 2)
	}
}

func decodeUserData(v int64) UserData {
	switch v {
	case 0:
		return Default
	case 1:
		return Zeroed
	default:
		return Storage(-v - 2)
	}
}

// Save writes v to w in the §6 persisted text format: six "#"-banner
// lines, "count N", the column header, then one tab-separated decimal
// row per extent.
func Save(w io.Writer, v Vector) error {
	bw := bufio.NewWriter(w)
	for _, line := range banners {
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return ferr.Wrap(ferr.IOError, err, "extent.Save: writing banner")
		}
	}
	if _, err := fmt.Fprintf(bw, "count %d\n", len(v)); err != nil {
		return ferr.Wrap(ferr.IOError, err, "extent.Save: writing count")
	}
	if _, err := fmt.Fprintln(bw, header); err != nil {
		return ferr.Wrap(ferr.IOError, err, "extent.Save: writing header")
	}
	for _, e := range v {
		if _, err := fmt.Fprintf(bw, "%d\t%d\t%d\t%d\n",
			int64(e.Physical), int64(e.Logical), int64(e.Length), encodeUserData(e.UserData)); err != nil {
			return ferr.Wrap(ferr.IOError, err, "extent.Save: writing row")
		}
	}
	if err := bw.Flush(); err != nil {
		return ferr.Wrap(ferr.IOError, err, "extent.Save: flushing")
	}
	return nil
}

// Load reads an extent set written by Save. Any deviation from the
// exact layout — a missing banner, a malformed "count" line, a
// mismatched header, a row with the wrong number of columns or a
// non-integer field, or a row count that doesn't match the declared
// count — is reported as an ferr.ProtocolError.
func Load(r io.Reader) (Vector, error) {
	scanner := bufio.NewScanner(r)

	for i := 0; i < len(banners); i++ {
		line, err := nextLine(scanner)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(line, "#") {
			return nil, ferr.New(ferr.ProtocolError, "extent.Load: line %d: expected banner comment, got %q", i+1, line)
		}
	}

	countLine, err := nextLine(scanner)
	if err != nil {
		return nil, err
	}
	count, ok := parseCountLine(countLine)
	if !ok {
		return nil, ferr.New(ferr.ProtocolError, "extent.Load: expected %q line, got %q", "count N", countLine)
	}

	headerLine, err := nextLine(scanner)
	if err != nil {
		return nil, err
	}
	if headerLine != header {
		return nil, ferr.New(ferr.ProtocolError, "extent.Load: expected header %q, got %q", header, headerLine)
	}

	v := make(Vector, 0, count)
	for i := 0; i < count; i++ {
		line, err := nextLine(scanner)
		if err != nil {
			return nil, err
		}
		e, err := parseRow(line)
		if err != nil {
			return nil, err
		}
		v = append(v, e)
	}

	if err := scanner.Err(); err != nil {
		return nil, ferr.Wrap(ferr.IOError, err, "extent.Load: scanning")
	}
	if scanner.Scan() {
		return nil, ferr.New(ferr.ProtocolError, "extent.Load: trailing data after %d declared rows", count)
	}

	return v, nil
}

func nextLine(scanner *bufio.Scanner) (string, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", ferr.Wrap(ferr.IOError, err, "extent.Load: scanning")
		}
		return "", ferr.New(ferr.ProtocolError, "extent.Load: unexpected end of input")
	}
	return scanner.Text(), nil
}

func parseCountLine(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "count" {
		return 0, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseRow(line string) (Extent, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 4 {
		return Extent{}, ferr.New(ferr.ProtocolError, "extent.Load: row %q: expected 4 tab-separated fields, got %d", line, len(fields))
	}
	nums := make([]int64, 4)
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return Extent{}, ferr.New(ferr.ProtocolError, "extent.Load: row %q: field %d is not an integer: %v", line, i, err)
		}
		nums[i] = n
	}
	return Extent{
		Physical: blockaddr.PhysicalAddr(nums[0]),
		Logical:  blockaddr.LogicalAddr(nums[1]),
		Length:   blockaddr.Length(nums[2]),
		UserData: decodeUserData(nums[3]),
	}, nil
}
