// Command client is an interactive session client: it connects to a node,
// authenticates once, and runs file operations until EOF or "quit".
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/distorage-io/distorage/internal/node/adapter/inbound/ws"
)

func main() {
	var (
		addr     string
		username string
		password string
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:7600", "Client-plane address of any node")
	flag.StringVar(&username, "user", "", "Username")
	flag.StringVar(&password, "pass", "", "Password (prompted when omitted)")
	flag.Parse()

	if username == "" {
		log.Fatal("missing -user")
	}
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Fatalf("Failed to read password: %v", err)
		}
		password = string(raw)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/session", nil)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", addr, err)
	}
	defer func() { _ = conn.Close() }()

	reply := roundTrip(conn, ws.ClientMessage{Type: ws.TypeAuth, Username: username, Password: password})
	if !reply.OK {
		log.Fatalf("Authentication failed: %s", reply.Error)
	}
	fmt.Printf("Connected to %s as %s\n", addr, username)

	repl(conn)
}

func repl(conn *websocket.Conn) {
	scanner := bufio.NewScanner(os.Stdin)
	var nextID uint64

	fmt.Println("Commands: upload <local> <remote> | download <remote> [local] | list | delete <remote> | quit")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		nextID++

		switch fields[0] {
		case "quit", "exit":
			return
		case "upload":
			if len(fields) != 3 {
				fmt.Println("usage: upload <local> <remote>")
				continue
			}
			content, err := os.ReadFile(fields[1])
			if err != nil {
				fmt.Printf("read %s: %v\n", fields[1], err)
				continue
			}
			reply := roundTrip(conn, ws.ClientMessage{
				Type: ws.TypeRequest, ID: nextID, Op: ws.OpUpload, Path: fields[2], Payload: content,
			})
			report(reply, fmt.Sprintf("uploaded %s (%d bytes)", fields[2], len(content)))
		case "download":
			if len(fields) < 2 {
				fmt.Println("usage: download <remote> [local]")
				continue
			}
			reply := roundTrip(conn, ws.ClientMessage{
				Type: ws.TypeRequest, ID: nextID, Op: ws.OpDownload, Path: fields[1],
			})
			if !reply.OK {
				fmt.Printf("error: %s\n", reply.Error)
				continue
			}
			local := fields[1]
			if len(fields) > 2 {
				local = fields[2]
			}
			if err := os.WriteFile(local, reply.Payload, 0600); err != nil {
				fmt.Printf("write %s: %v\n", local, err)
				continue
			}
			fmt.Printf("downloaded %s (%d bytes) -> %s\n", fields[1], len(reply.Payload), local)
		case "list":
			reply := roundTrip(conn, ws.ClientMessage{Type: ws.TypeRequest, ID: nextID, Op: ws.OpList})
			if !reply.OK {
				fmt.Printf("error: %s\n", reply.Error)
				continue
			}
			if len(reply.Files) == 0 {
				fmt.Println("(no files)")
				continue
			}
			for _, f := range reply.Files {
				fmt.Printf("%10d  %s\n", f.Size, f.Path)
			}
		case "delete":
			if len(fields) != 2 {
				fmt.Println("usage: delete <remote>")
				continue
			}
			reply := roundTrip(conn, ws.ClientMessage{
				Type: ws.TypeRequest, ID: nextID, Op: ws.OpDelete, Path: fields[1],
			})
			report(reply, "deleted "+fields[1])
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func roundTrip(conn *websocket.Conn, msg ws.ClientMessage) ws.ServerMessage {
	if err := conn.WriteJSON(msg); err != nil {
		log.Fatalf("Connection lost: %v", err)
	}
	var reply ws.ServerMessage
	if err := conn.ReadJSON(&reply); err != nil {
		log.Fatalf("Connection lost: %v", err)
	}
	return reply
}

func report(reply ws.ServerMessage, success string) {
	if reply.OK {
		fmt.Println(success)
		return
	}
	fmt.Printf("error: %s\n", reply.Error)
}
