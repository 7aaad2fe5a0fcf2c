////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// package main is a terminal chat client over the SDK, meant for exercising
// a Tern deployment (or the dev server in test/server) by hand: sign in, run
// the friend handshake, and hold a conversation while live events print as
// they arrive.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/ternchat/tern-sdk/client"
	"gitlab.com/ternchat/tern-sdk/logging"
	"gitlab.com/ternchat/tern-sdk/remote"
	"gitlab.com/ternchat/tern-sdk/rest"
	"gitlab.com/ternchat/tern-sdk/session"
)

// captureSize is how much of the debug log /debug keeps in memory. The
// capture runs even when file logging is disabled, so there is always a
// recent window to dump when something misbehaves.
const captureSize = 256 * 1024

// Flag variables.
var (
	serverURL, username, password, dataDir, logFile string
	logLevel                                        int
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var cmd = &cobra.Command{
	Use: "tern-demo",
	Short: "Terminal chat client over the Tern SDK. Signs in against the " +
		"given server, prints live events, and reads commands from stdin. " +
		"Run /help for the command list.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		initLog(jww.Threshold(logLevel), logFile)
		capture, err := logging.NewFileLog(jww.LevelDebug, captureSize)
		if err != nil {
			jww.FATAL.Panicf("Failed to start log capture: %+v", err)
		}
		defer capture.StopLogging()
		ctx := context.Background()

		token := loadOrFetchToken()
		store, err := rest.NewStore(serverURL, token, rest.DefaultParams())
		if err != nil {
			jww.FATAL.Panicf("Bad server URL: %+v", err)
		}

		p := session.DefaultParams()
		p.DataDir = dataDir
		c := client.New(store, p)

		cbs := session.Callbacks{
			FriendListUpdate: func(friends []*remote.Profile) {
				names := make([]string, len(friends))
				for i, f := range friends {
					names[i] = f.Username
				}
				fmt.Printf("* friends: %s\n", strings.Join(names, ", "))
			},
			MessageUpdate: func(msg *remote.Message, update bool) {
				if update || msg.SenderID == c.UserID() {
					return
				}
				text := msg.Content
				if msg.Media != nil {
					text = strings.TrimSpace(
						text + " [" + string(msg.Media.Kind) + "] " +
							msg.Media.URL)
				}
				fmt.Printf("< %s\n", text)
			},
			BadgeUpdate: func(unread int) {
				fmt.Printf("* unread: %d\n", unread)
			},
		}

		if err = c.SignIn(ctx, token, password, cbs); err != nil {
			jww.FATAL.Panicf("Sign-in failed: %+v", err)
		}
		defer func() {
			if err := c.SignOut(); err != nil {
				jww.ERROR.Printf("Sign-out failed: %+v", err)
			}
		}()
		fmt.Printf("Signed in as %s. /help for commands.\n", username)

		runPrompt(ctx, c, store, capture)
	},
}

// init is the initialization function for Cobra which defines flags.
func init() {
	cmd.Flags().StringVarP(&serverURL, "server", "s",
		"http://localhost:9090", "Tern server URL.")
	cmd.Flags().StringVarP(&username, "username", "u", "",
		"Account username.")
	cmd.Flags().StringVarP(&password, "password", "p", "",
		"Account password.")
	cmd.Flags().StringVarP(&dataDir, "dataDir", "d", ".",
		"Directory for the local database and credential vault.")
	cmd.Flags().StringVarP(&logFile, "log", "l", "",
		"Log output path. Set to \"-\" for stdout. By default, logging "+
			"is disabled so it does not interleave with the chat.")
	cmd.Flags().IntVarP(&logLevel, "logLevel", "v", 4,
		"Verbosity level of logging. 0 = TRACE, 1 = DEBUG, 2 = INFO, "+
			"3 = WARN, 4 = ERROR, 5 = CRITICAL, 6 = FATAL")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
}

// loadOrFetchToken returns the vaulted session token when one opens with the
// password, falling back to a fresh credential exchange with the server.
func loadOrFetchToken() string {
	vault := session.NewVault(dataDir)
	if vault.Exists() {
		token, err := vault.Load(password)
		if err == nil {
			if _, err = session.ParseToken(token); err == nil {
				jww.INFO.Print("Using vaulted session token.")
				return token
			}
		}
		jww.INFO.Printf("Vaulted token unusable, re-authenticating: %+v", err)
	}

	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		jww.FATAL.Panicf("Failed to encode credentials: %+v", err)
	}

	resp, err := http.Post(serverURL+"/v1/auth/token", "application/json",
		bytes.NewReader(body))
	if err != nil {
		jww.FATAL.Panicf("Credential exchange failed: %+v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		jww.FATAL.Panicf("Credential exchange refused: %s", resp.Status)
	}

	var tr struct {
		Token string `json:"token"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		jww.FATAL.Panicf("Bad credential exchange response: %+v", err)
	}
	return tr.Token
}

// runPrompt reads commands from stdin until EOF or /quit. Plain lines go to
// the open conversation.
func runPrompt(ctx context.Context, c *client.Client, store remote.Store,
	capture *logging.FileLog) {
	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Print("> "); scanner.Scan(); fmt.Print("> ") {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/help":
			printHelp()
		case line == "/quit":
			return
		case line == "/friends":
			for _, f := range c.Friends() {
				fmt.Printf("  %s  %s\n", f.Username, f.Bio)
			}
		case line == "/pending":
			printPending(ctx, c, store)
		case strings.HasPrefix(line, "/request "):
			requestFriend(ctx, c, store, strings.TrimSpace(line[9:]))
		case strings.HasPrefix(line, "/accept "):
			respond(ctx, c, strings.TrimSpace(line[8:]), true)
		case strings.HasPrefix(line, "/reject "):
			respond(ctx, c, strings.TrimSpace(line[8:]), false)
		case strings.HasPrefix(line, "/open "):
			openConversation(ctx, c, strings.TrimSpace(line[6:]))
		case line == "/history":
			printHistory(c)
		case line == "/inbox":
			printInbox(c)
		case strings.HasPrefix(line, "/read "):
			if err := c.MarkNotificationRead(
				ctx, strings.TrimSpace(line[6:])); err != nil {
				fmt.Printf("! %s\n", err)
			}
		case line == "/debug":
			_, _ = os.Stdout.Write(capture.GetFile())
			fmt.Println()
		case strings.HasPrefix(line, "/"):
			fmt.Println("! unknown command, /help lists them")
		default:
			if err := c.Send(ctx, line); err != nil {
				fmt.Printf("! %s\n", err)
			}
		}
	}
}

func printHelp() {
	fmt.Print(`  /friends            list friends
  /request <username> send a friend request
  /pending            list incoming friend requests
  /accept <id>        accept a pending request
  /reject <id>        reject a pending request
  /open <username>    open the conversation with a friend
  /history            print the open conversation
  /inbox              print notifications
  /read <id>          mark a notification read
  /debug              dump the in-memory debug log
  /quit               sign out and exit
  anything else       send to the open conversation
`)
}

// lookupProfile resolves a username to its profile through the store.
func lookupProfile(ctx context.Context, store remote.Store,
	name string) (*remote.Profile, error) {
	rows, err := store.Query(ctx, remote.KindProfile,
		remote.Eq("username", strings.ToLower(name)),
		remote.QueryOpts{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	var p remote.Profile
	if err = json.Unmarshal(rows[0], &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func requestFriend(ctx context.Context, c *client.Client,
	store remote.Store, name string) {
	p, err := lookupProfile(ctx, store, name)
	if err != nil {
		fmt.Printf("! %s\n", err)
		return
	}
	if p == nil {
		fmt.Printf("! no user named %q\n", name)
		return
	}
	if err = c.RequestFriend(ctx, p.ID); err != nil {
		fmt.Printf("! %s\n", err)
		return
	}
	fmt.Printf("* requested %s\n", p.Username)
}

func printPending(ctx context.Context, c *client.Client,
	store remote.Store) {
	rows, err := store.Query(ctx, remote.KindFriendship,
		remote.PendingRequestsFor(c.UserID()), remote.QueryOpts{})
	if err != nil {
		fmt.Printf("! %s\n", err)
		return
	}
	for _, raw := range rows {
		var fr remote.Friendship
		if err = json.Unmarshal(raw, &fr); err != nil {
			continue
		}
		from := fr.RequesterID
		if p, err := lookupProfileByID(ctx, store, from); err == nil &&
			p != nil {
			from = p.Username
		}
		fmt.Printf("  %s  from %s\n", fr.ID, from)
	}
}

func lookupProfileByID(ctx context.Context, store remote.Store,
	id string) (*remote.Profile, error) {
	rows, err := store.Query(ctx, remote.KindProfile, remote.Eq("id", id),
		remote.QueryOpts{Limit: 1})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	var p remote.Profile
	if err = json.Unmarshal(rows[0], &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func respond(ctx context.Context, c *client.Client, id string, accept bool) {
	if err := c.Respond(ctx, id, accept); err != nil {
		fmt.Printf("! %s\n", err)
		return
	}
	if accept {
		fmt.Println("* accepted")
	} else {
		fmt.Println("* rejected")
	}
}

func openConversation(ctx context.Context, c *client.Client, name string) {
	for _, f := range c.Friends() {
		if f.Username == strings.ToLower(name) {
			if err := c.OpenConversation(ctx, f.ID); err != nil {
				fmt.Printf("! %s\n", err)
				return
			}
			fmt.Printf("* conversation with %s open\n", f.Username)
			printHistory(c)
			return
		}
	}
	fmt.Printf("! %q is not in your friend list\n", name)
}

func printHistory(c *client.Client) {
	msgs, err := c.Messages()
	if err != nil {
		fmt.Printf("! %s\n", err)
		return
	}
	me := c.UserID()
	for _, m := range msgs {
		arrow := "<"
		if m.SenderID == me {
			arrow = ">"
		}
		text := m.Content
		if m.Media != nil {
			text = strings.TrimSpace(
				text + " [" + string(m.Media.Kind) + "] " + m.Media.URL)
		}
		fmt.Printf("%s %s\n", arrow, text)
	}
}

func printInbox(c *client.Client) {
	for _, n := range c.Notifications() {
		read := " "
		if !n.Read {
			read = "*"
		}
		fmt.Printf("  %s %s  %s\n", read, n.ID, n.Content)
	}
	fmt.Printf("  unread: %d\n", c.UnreadCount())
}

// initLog will enable JWW logging to the given log path with the given
// threshold. If log path is empty, then logging is not enabled. Panics if the
// log file cannot be opened or if the threshold is invalid.
func initLog(threshold jww.Threshold, logPath string) {
	if logPath == "" {
		// Do not enable logging if no log file is set
		return
	} else if logPath != "-" {
		// Set the log file if stdout is not selected

		// Disable stdout output
		jww.SetStdoutOutput(io.Discard)

		// Use log file
		logOutput, err :=
			os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err)
		}
		jww.SetLogOutput(logOutput)
	}

	if threshold < jww.LevelTrace || threshold > jww.LevelFatal {
		panic("Invalid log threshold: " + strconv.Itoa(int(threshold)))
	}

	// Display microseconds if the threshold is set to TRACE or DEBUG
	if threshold == jww.LevelTrace || threshold == jww.LevelDebug {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	// Enable logging
	jww.SetStdoutThreshold(threshold)
	jww.SetLogThreshold(threshold)
	jww.INFO.Printf("Log level set to: %s", threshold)
}
