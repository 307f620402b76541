package web

import "html/template"

var indexTmpl = template.Must(template.New("index").Parse(`<html>
    <head>
        <title>{{.Title}}</title>
        <style>
            body { display: flex; justify-content: center; align-items: center; min-height: 100vh; background-color: black; color: white; }
            .container { display: grid; grid-template-columns: 1fr 1fr; gap: 10px; }
            .stream { text-align: center; }
        </style>
    </head>
    <body>
        <div class="container">
        {{- range .Feeds}}
            <div class="stream">
                <h2>{{.Title}}</h2>
                <img src="{{.Path}}" width="{{$.Width}}" height="{{$.Height}}">
            </div>
        {{- end}}
        </div>
    </body>
</html>
`))

type indexFeed struct {
	Title string
	Path  string
}

type indexPage struct {
	Title  string
	Width  int
	Height int
	Feeds  []indexFeed
}
