package static

import (
	"fmt"
	"html"
)

const pageStyle = `*{line-height: 1.2; margin: 0;}html{color: #888; display: table; font-family: sans-serif; height: 100%; text-align: center; width: 100%;}body{display: table-cell; vertical-align: middle; margin: 2em auto;}h1{color: #555; font-size: 2em; font-weight: 400;}p{margin: 0 auto; width: 280px;}pre{margin: 1em auto; max-width: 90%; text-align: left; white-space: pre-wrap;}@media only screen and (max-width: 280px){body, p{width: 95%;}h1{font-size: 1.5em; margin: 0 0 0.3em;}}`

const pageLayout = `<!doctype html><html lang="en"><head><meta charset="utf-8"><title>%[1]s</title><meta name="viewport" content="width=device-width, initial-scale=1"><style>%[2]s</style></head><body><h1>%[1]s</h1>%[3]s</body></html>`

func page(title, body string) []byte {
	return []byte(fmt.Sprintf(pageLayout, html.EscapeString(title), pageStyle, body))
}

var notFoundPage = page("Page Not Found", `<p>Sorry, but the page you were trying to view does not exist.</p>`)

// errorPage inlines err, escaped.
func errorPage(err error) []byte {
	return page("Internal Server Error", `<pre>`+html.EscapeString(err.Error())+`</pre>`)
}

// placeholderPage loads the bundle so the reload client runs before an
// index exists.
func placeholderPage(bundlePath string) []byte {
	return []byte(fmt.Sprintf(`<!doctype html><html lang="en"><head><meta charset="utf-8"><title>servn</title><meta name="viewport" content="width=device-width, initial-scale=1"></head><body><script src=%q></script></body></html>`, html.EscapeString(bundlePath)))
}
