// Command client is a terminal chat client for manual testing: it connects
// to a gateway, joins with the given identity, prints every event it
// receives, and sends each stdin line as a chat message.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	url := getEnv("GATEWAY_URL", "ws://localhost:8080/ws")
	username := getEnv("CHAT_USERNAME", "guest")
	userID := getEnv("CHAT_USER_ID", uuid.New().String())

	log.Printf("Connecting to %s as %s", url, username)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	send := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Fatalf("Failed to encode %s: %v", event, err)
		}
		if err := conn.WriteJSON(envelope{Event: event, Data: data}); err != nil {
			log.Fatalf("Failed to send %s: %v", event, err)
		}
	}

	send("join", map[string]string{"userId": userID, "username": username})
	send("getRecentMessages", map[string]int{"limit": 20})

	// Print everything the server pushes
	go func() {
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				log.Fatalf("Connection closed: %v", err)
			}
			fmt.Printf("[%s] %s\n", env.Event, string(env.Data))
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		if text == "/quit" {
			send("leave", map[string]string{"userId": userID})
			return
		}
		send("sendMessage", map[string]string{"userId": userID, "text": text})
	}
}
