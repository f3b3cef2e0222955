// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package args provides the dialect-independent representation of a parsed
// compiler command line: a sequence of (flag, value, joined) atoms. Every
// dialect wrapper builds its classified argument list out of Atoms so that
// the shape of the original invocation (two tokens, "=" joined, or
// concatenated) survives a round trip back to a command line.
package args

// JoinKind records how an option and its value were written on the
// original command line.
type JoinKind int

const (
	// JoinNone is used for options that take no value, and for bare
	// positional arguments.
	JoinNone JoinKind = iota
	// JoinSeparate is "--flag value" or "-I value": two tokens.
	JoinSeparate
	// JoinEquals is "--flag=value".
	JoinEquals
	// JoinConcat is "-Ivalue" or "-DFOO=1": value concatenated directly
	// onto the flag with no separator.
	JoinConcat
)

// Atom is a single parsed command-line option (or positional argument).
type Atom struct {
	Flag   string
	Value  string
	Joined JoinKind
}

// HasValue reports whether the atom carries a value (including an empty
// string value that was still written explicitly, e.g. "--flag=").
func (a Atom) HasValue() bool {
	return a.Joined != JoinNone
}

// Render reproduces the original command-line token(s) for this atom, in
// the shape recorded by Joined. Spawned children must see tokens shaped the
// way the invoking build system wrote them, since some compiler drivers
// are sensitive to concatenated vs. separate forms.
func (a Atom) Render() []string {
	switch a.Joined {
	case JoinSeparate:
		return []string{a.Flag, a.Value}
	case JoinEquals:
		return []string{a.Flag + "=" + a.Value}
	case JoinConcat:
		return []string{a.Flag + a.Value}
	default:
		return []string{a.Flag}
	}
}

// Render reproduces a full command line from a sequence of atoms.
func Render(atoms []Atom) []string {
	var out []string
	for _, a := range atoms {
		out = append(out, a.Render()...)
	}
	return out
}

// Positional is a convenience constructor for a bare positional argument
// (an input file, typically).
func Positional(value string) Atom {
	return Atom{Flag: value, Joined: JoinNone}
}

// Canonical returns a single self-contained string identifying this atom's
// flag and value together, regardless of how they were joined on the
// original command line. Unlike Render, it never splits an atom across
// multiple slice elements, so a caller building a RelevantArguments
// projection can sort the resulting strings independently without
// separating a flag from the value it governs.
func (a Atom) Canonical() string {
	if !a.HasValue() {
		return a.Flag
	}
	return a.Flag + "\x00" + a.Value
}
