package bundle

import (
	"fmt"
	"os"
)

const snippet = `;(function () {
  var socket = new WebSocket(%q)
  socket.addEventListener("message", function (e) {
    var msg
    try {
      msg = JSON.parse(e.data)
    } catch (err) {
      return
    }
    if (msg.type === "reload") window.location.reload()
  })
  window.addEventListener("beforeunload", function () {
    socket.close()
  })
})();
`

// Snippet is the client prepended to the entry module. It reloads the page
// when the server at url sends a reload event.
func Snippet(url string) string {
	return fmt.Sprintf(snippet, url)
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
