// agent-world server: multi-agent worlds over HTTP and WebSocket,
// backed by a durable per-world message queue.
package main

import "os"

func main() {
	os.Exit(run())
}
