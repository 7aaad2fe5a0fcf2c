////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/ternchat/tern-sdk/remote"
)

// Opening, closing, and reopening the same user's database keeps its rows
// and its schema version.
func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, "u1")
	require.NoError(t, err)
	_, err = s.UpsertProfile(&remote.Profile{ID: "p1", Username: "alice"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir, "u1")
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	p, err := s.ProfileByRemoteID("p1")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "alice", p.Username)

	var v schemaVersion
	require.NoError(t, s.db.First(&v).Error)
	require.Equal(t, currentVersion, v.Version)
}

// Different users get different database files.
func TestDatabasePath_PerUser(t *testing.T) {
	dir := t.TempDir()
	require.NotEqual(t, DatabasePath(dir, "u1"), DatabasePath(dir, "u2"))

	s1, err := Open(dir, "u1")
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(dir, "u2")
	require.NoError(t, err)
	defer s2.Close()

	_, err = s1.UpsertProfile(&remote.Profile{ID: "p1", Username: "alice"})
	require.NoError(t, err)

	p, err := s2.ProfileByRemoteID("p1")
	require.NoError(t, err)
	require.Nil(t, p)
}

// A database written by a newer build refuses to open.
func TestStore_DowngradeRefused(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, "u1")
	require.NoError(t, err)
	require.NoError(t,
		s.db.Save(&schemaVersion{ID: 1, Version: currentVersion + 5}).Error)
	require.NoError(t, s.Close())

	_, err = Open(dir, "u1")
	require.Error(t, err)
}

// Purge removes the database file; a later open starts empty.
func TestStore_Purge(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, "u1")
	require.NoError(t, err)
	_, err = s.UpsertProfile(&remote.Profile{ID: "p1", Username: "alice"})
	require.NoError(t, err)

	path := DatabasePath(dir, "u1")
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.Purge())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	s, err = Open(dir, "u1")
	require.NoError(t, err)
	defer s.Close()

	p, err := s.ProfileByRemoteID("p1")
	require.NoError(t, err)
	require.Nil(t, p)
}
