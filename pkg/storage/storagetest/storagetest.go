// Package storagetest provides a contract test suite shared by all datasafe.Storage implementations.
package storagetest

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/godaddy/datasafe"
)

// Suite verifies the behavior every datasafe.Storage must provide. Setup is called before each test and
// returns a fresh storage together with a root URI (ending in "/") under which the test may create objects.
type Suite struct {
	suite.Suite

	Setup func(t *testing.T) (datasafe.Storage, string)

	ctx   context.Context
	store datasafe.Storage
	root  string
}

// SetupTest creates the storage under test.
func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.store, s.root = s.Setup(s.T())
}

func (s *Suite) put(location, body string) {
	w, err := s.store.Write(s.ctx, location)
	s.Require().NoError(err)

	_, err = io.WriteString(w, body)
	s.Require().NoError(err)
	s.Require().NoError(w.Close())
}

func (s *Suite) get(location string) string {
	r, err := s.store.Read(s.ctx, location)
	s.Require().NoError(err)

	defer r.Close()

	b, err := io.ReadAll(r)
	s.Require().NoError(err)

	return string(b)
}

func (s *Suite) list(prefix string) []string {
	var out []string

	for loc, err := range s.store.List(s.ctx, prefix) {
		s.Require().NoError(err)

		out = append(out, loc)
	}

	return out
}

func (s *Suite) TestWriteThenRead() {
	loc := s.root + "jane/private/files/abc"

	s.put(loc, "ciphertext")

	s.Equal("ciphertext", s.get(loc))
}

func (s *Suite) TestWrite_Overwrites() {
	loc := s.root + "profiles/public/jane"

	s.put(loc, "first")
	s.put(loc, "second")

	s.Equal("second", s.get(loc))
}

func (s *Suite) TestWrite_EmptyObject() {
	loc := s.root + "empty"

	s.put(loc, "")

	exists, err := s.store.Exists(s.ctx, loc)
	s.NoError(err)
	s.True(exists)
	s.Equal("", s.get(loc))
}

func (s *Suite) TestWrite_NotVisibleBeforeClose() {
	loc := s.root + "pending"

	w, err := s.store.Write(s.ctx, loc)
	s.Require().NoError(err)

	_, err = io.WriteString(w, "partial")
	s.Require().NoError(err)

	exists, err := s.store.Exists(s.ctx, loc)
	s.NoError(err)
	s.False(exists)

	s.Require().NoError(w.Close())

	exists, err = s.store.Exists(s.ctx, loc)
	s.NoError(err)
	s.True(exists)
}

func (s *Suite) TestWrite_Abort() {
	loc := s.root + "aborted"

	w, err := s.store.Write(s.ctx, loc)
	s.Require().NoError(err)

	_, err = io.WriteString(w, "garbage")
	s.Require().NoError(err)

	a, ok := w.(datasafe.Aborter)
	s.Require().True(ok, "writer should support Abort")
	s.NoError(a.Abort())

	exists, err := s.store.Exists(s.ctx, loc)
	s.NoError(err)
	s.False(exists)
	s.Empty(s.list(s.root))
}

func (s *Suite) TestRead_Missing() {
	_, err := s.store.Read(s.ctx, s.root+"missing")

	s.ErrorIs(err, datasafe.ErrNotFound)
}

func (s *Suite) TestList_PrefixAndOrder() {
	s.put(s.root+"jane/inbox/b.txt", "b")
	s.put(s.root+"jane/inbox/a.txt", "a")
	s.put(s.root+"jane/inbox/sub/c.txt", "c")
	s.put(s.root+"jane/private/keystore", "k")
	s.put(s.root+"john/inbox/a.txt", "a")

	s.Equal([]string{
		s.root + "jane/inbox/a.txt",
		s.root + "jane/inbox/b.txt",
		s.root + "jane/inbox/sub/c.txt",
	}, s.list(s.root+"jane/inbox/"))

	s.Empty(s.list(s.root + "nobody/"))
}

func (s *Suite) TestLocations_CaseSensitive() {
	s.put(s.root+"jane/inbox/a.txt", "lower")
	s.put(s.root+"Jane/inbox/a.txt", "upper")

	s.Equal("lower", s.get(s.root+"jane/inbox/a.txt"))
	s.Equal("upper", s.get(s.root+"Jane/inbox/a.txt"))
	s.Equal([]string{s.root + "jane/inbox/a.txt"}, s.list(s.root+"jane/"))

	s.Require().NoError(s.store.Remove(s.ctx, s.root+"jane/inbox/a.txt"))

	exists, err := s.store.Exists(s.ctx, s.root+"Jane/inbox/a.txt")
	s.Require().NoError(err)
	s.True(exists)
}

func (s *Suite) TestList_StopEarly() {
	s.put(s.root+"l/1", "1")
	s.put(s.root+"l/2", "2")
	s.put(s.root+"l/3", "3")

	count := 0

	for _, err := range s.store.List(s.ctx, s.root+"l/") {
		s.Require().NoError(err)

		count++
		if count == 2 {
			break
		}
	}

	s.Equal(2, count)
}

func (s *Suite) TestList_RemoveWhileIterating() {
	s.put(s.root+"r/1", "1")
	s.put(s.root+"r/2", "2")

	for loc, err := range s.store.List(s.ctx, s.root+"r/") {
		s.Require().NoError(err)
		s.Require().NoError(s.store.Remove(s.ctx, loc))
	}

	s.Empty(s.list(s.root + "r/"))
}

func (s *Suite) TestRemove() {
	loc := s.root + "gone"

	s.put(loc, "x")
	s.NoError(s.store.Remove(s.ctx, loc))

	exists, err := s.store.Exists(s.ctx, loc)
	s.NoError(err)
	s.False(exists)

	s.NoError(s.store.Remove(s.ctx, loc), "removing a missing object is not an error")
}
