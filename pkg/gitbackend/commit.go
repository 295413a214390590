package gitbackend

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/types"
)

// jj-style extra git commit headers used to round-trip fields git's native
// commit format has no room for. Real jj repositories backed by git do the
// same thing: a git commit object tolerates unknown header lines before the
// blank line that starts the message, so a stock `git log --format=raw`
// or `git cat-file -p` still shows a well-formed commit; only tandem's own
// decode path looks at these extra lines.
const (
	hdrChangeID    = "change-id"
	hdrPredecessor = "predecessor"
	hdrExtraTree   = "extra-tree"
)

func formatSignature(sig types.Signature) string {
	seconds := sig.Timestamp.MillisSinceEpoch / 1000
	offset := sig.Timestamp.TzOffsetMinutes
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("%s <%s> %d %s%02d%02d", sig.Name, sig.Email, seconds, sign, offset/60, offset%60)
}

func parseSignature(line string) (types.Signature, error) {
	gt := strings.LastIndex(line, ">")
	if gt < 0 {
		return types.Signature{}, tderrors.New(tderrors.Decode, "malformed signature line %q", line)
	}
	lt := strings.LastIndex(line[:gt], "<")
	if lt < 0 {
		return types.Signature{}, tderrors.New(tderrors.Decode, "malformed signature line %q", line)
	}
	name := strings.TrimSpace(line[:lt])
	email := line[lt+1 : gt]
	rest := strings.Fields(line[gt+1:])
	if len(rest) != 2 {
		return types.Signature{}, tderrors.New(tderrors.Decode, "malformed signature timestamp in %q", line)
	}
	seconds, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		return types.Signature{}, tderrors.Wrap(tderrors.Decode, err, "parse signature seconds")
	}
	tz := rest[1]
	sign := int32(1)
	if strings.HasPrefix(tz, "-") {
		sign = -1
	}
	tz = strings.TrimPrefix(strings.TrimPrefix(tz, "+"), "-")
	if len(tz) != 4 {
		return types.Signature{}, tderrors.New(tderrors.Decode, "malformed timezone offset %q", tz)
	}
	hh, _ := atoi64(tz[:2])
	mm, _ := atoi64(tz[2:])
	offset := sign * int32(hh*60+mm)
	return types.Signature{
		Name:  name,
		Email: email,
		Timestamp: types.Timestamp{
			MillisSinceEpoch: seconds * 1000,
			TzOffsetMinutes:  offset,
		},
	}, nil
}

// WriteCommit translates a decoded Commit into a git commit object. The
// caller is responsible for having already stored commit.RootTree[0]; a
// conflicted (multi-ID) root tree is represented with the first ID as
// git's native "tree" pointer and the remainder as "extra-tree" headers,
// since a git commit has room for only one tree.
func (s *Store) WriteCommit(c *types.Commit) (types.ID, error) {
	if len(c.RootTree) == 0 {
		return nil, tderrors.New(tderrors.InvalidArgument, "commit has no root tree")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", hexID(c.RootTree[0]))
	for _, extra := range c.RootTree[1:] {
		fmt.Fprintf(&buf, "%s %s\n", hdrExtraTree, hexID(extra))
	}
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", hexID(p))
	}
	fmt.Fprintf(&buf, "author %s\n", formatSignature(c.Author))
	fmt.Fprintf(&buf, "committer %s\n", formatSignature(c.Committer))
	if len(c.ChangeID) > 0 {
		fmt.Fprintf(&buf, "%s %s\n", hdrChangeID, hexID(c.ChangeID))
	}
	for _, pred := range c.Predecessors {
		fmt.Fprintf(&buf, "%s %s\n", hdrPredecessor, hexID(pred))
	}
	if len(c.SecureSig) > 0 {
		buf.WriteString("gpgsig ")
		buf.Write(bytes.ReplaceAll(c.SecureSig, []byte("\n"), []byte("\n ")))
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	buf.WriteString(c.Description)

	return s.WriteObject(TypeCommit, buf.Bytes())
}

// ReadCommit reads a git commit object back into a decoded Commit.
func (s *Store) ReadCommit(id types.ID) (*types.Commit, error) {
	raw, err := s.ReadObject(TypeCommit, id)
	if err != nil {
		return nil, err
	}

	c := &types.Commit{}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var inSig bool
	for sc.Scan() {
		line := sc.Text()
		if inSig {
			if strings.HasPrefix(line, " ") {
				c.SecureSig = append(c.SecureSig, '\n')
				c.SecureSig = append(c.SecureSig, line[1:]...)
				continue
			}
			inSig = false
		}
		if line == "" {
			break
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, tderrors.New(tderrors.Decode, "malformed commit header %q", line)
		}
		key, val := line[:sp], line[sp+1:]
		switch key {
		case "tree":
			id, err := parseHexID(val)
			if err != nil {
				return nil, err
			}
			c.RootTree = append([]types.ID{id}, c.RootTree...)
		case hdrExtraTree:
			id, err := parseHexID(val)
			if err != nil {
				return nil, err
			}
			c.RootTree = append(c.RootTree, id)
		case "parent":
			id, err := parseHexID(val)
			if err != nil {
				return nil, err
			}
			c.Parents = append(c.Parents, id)
		case "author":
			sig, err := parseSignature(val)
			if err != nil {
				return nil, err
			}
			c.Author = sig
		case "committer":
			sig, err := parseSignature(val)
			if err != nil {
				return nil, err
			}
			c.Committer = sig
		case hdrChangeID:
			cid, err := parseHexID(val)
			if err != nil {
				return nil, err
			}
			c.ChangeID = cid
		case hdrPredecessor:
			pid, err := parseHexID(val)
			if err != nil {
				return nil, err
			}
			c.Predecessors = append(c.Predecessors, pid)
		case "gpgsig":
			inSig = true
			c.SecureSig = append(c.SecureSig, val...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, tderrors.Wrap(tderrors.Decode, err, "scan commit %x", []byte(id))
	}

	// Remaining scanner input (after the blank line) is the message body.
	idx := bytes.Index(raw, []byte("\n\n"))
	if idx >= 0 {
		c.Description = string(raw[idx+2:])
	}
	return c, nil
}
