////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Standalone dev server for poking at the SDK by hand. It serves the REST
// protocol over an in-memory store seeded with two accounts:
//
//	alice / alicepw
//	bob   / bobpw
//
// Point the demo client at it:
//
//	go run ./test/server
//	go run ./demo --server http://localhost:9090 --username alice --password alicepw
package main

import (
	"fmt"
	"net/http"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/ternchat/tern-sdk/memremote"
	"gitlab.com/ternchat/tern-sdk/testserver"
)

func main() {
	port := "9090"
	jww.SetStdoutThreshold(jww.LevelInfo)

	srv := testserver.New(memremote.New(), "dev-secret")
	for _, acct := range []struct{ username, password string }{
		{"alice", "alicepw"},
		{"bob", "bobpw"},
	} {
		profile, err := srv.Seed(acct.username, acct.password)
		if err != nil {
			fmt.Println("Failed to seed account", err)
			return
		}
		fmt.Printf("Seeded %s (%s) with password %q\n",
			profile.Username, profile.ID, acct.password)
	}

	fmt.Printf("Starting server on port %s\n", port)
	err := http.ListenAndServe(":"+port, srv)
	if err != nil {
		fmt.Println("Failed to start server", err)
		return
	}
}
