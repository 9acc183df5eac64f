package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"strconv"
	"sync"

	"github.com/tombergan/unwinddiag/config"
	"github.com/tombergan/unwinddiag/corefile"
	"github.com/tombergan/unwinddiag/pprofexport"
	"github.com/tombergan/unwinddiag/unwind"
)

var (
	serverPort = flag.Int("port", 8092, "Port to run HTTP server")
	debugLevel = flag.Int("debuglevel", 0, "debug verbosity level")
	configFile = flag.String("config", "", "JSON settings file")
)

// maxReportBytes bounds a rendered report.
const maxReportBytes = 4 << 20

// session is the part of a core session the viewer uses.
type session interface {
	unwind.Debugger
	SelectThread(id int) error
	NumThreads() int
	WriteThreads(w io.Writer) error
}

// viewer serves pages for one session. Sessions are not safe for
// concurrent use, so every handler holds mu.
type viewer struct {
	mu   sync.Mutex
	s    session
	opts *unwind.Options
}

// lookupParam looks up an integer value in r.URL's query.
func lookupParam(q url.Values, param string, base int) (uint64, error) {
	v := q[param]
	if len(v) != 1 {
		return 0, fmt.Errorf("parameter %s not found", param)
	}
	x, err := strconv.ParseUint(v[0], base, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse parameter %s (%s): %v", param, v[0], err)
	}
	return x, nil
}

// limitedWriter returns EOF after writing N bytes.
type limitedWriter struct {
	io.Writer
	N int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.N <= 0 {
		return 0, io.EOF
	}
	if len(p) > w.N {
		n, err := w.Writer.Write(p[:w.N])
		w.N -= n
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	n, err := w.Writer.Write(p)
	w.N -= n
	return n, err
}

type threadsInfo struct {
	Version string
	Threads string
	IDs     []int
}

var threadsTemplate = template.Must(template.New("threads").Parse(`
<html>
	<head>
		<title>Threads</title>
	</head>
	<body>
	<code>
		<h2>Threads</h2>
		<p>Host: {{.Version}}</p>
		<pre>{{.Threads}}</pre>
		<p>Reports:
		{{range .IDs}}
			<a href="thread?id={{.}}">{{.}}</a>
		{{end}}
		</p>
	</code>
	</body>
</html>
`))

func (v *viewer) threadsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var buf bytes.Buffer
	if err := v.s.WriteThreads(&buf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	info := threadsInfo{Version: v.s.VersionString(), Threads: buf.String()}
	for id := 1; id <= v.s.NumThreads(); id++ {
		info.IDs = append(info.IDs, id)
	}
	if err := threadsTemplate.Execute(w, info); err != nil {
		log.Print(err)
	}
}

type reportInfo struct {
	ID        int
	Report    string
	Skipped   string
	Truncated bool
}

var reportTemplate = template.Must(template.New("report").Parse(`
<html>
	<head>
		<title>Thread {{.ID}}</title>
	</head>
	<body>
	<code>
		<h2>Unwind diagnostics for thread {{.ID}}</h2>
		<p><a href="/">threads</a> <a href="thread.pb.gz?id={{.ID}}">pprof</a></p>
		{{if .Skipped}}
		<p>{{.Skipped}}</p>
		{{else}}
		<pre>{{.Report}}</pre>
		{{if .Truncated}}<p>(report truncated)</p>{{end}}
		{{end}}
	</code>
	</body>
</html>
`))

// diagnose runs the report for thread id. The caller holds v.mu.
func (v *viewer) diagnose(id int, w io.Writer) (*unwind.Summary, error) {
	if err := v.s.SelectThread(id); err != nil {
		return nil, err
	}
	return unwind.Diagnose(w, v.s, v.opts)
}

func (v *viewer) threadHandler(w http.ResponseWriter, r *http.Request) {
	id, err := lookupParam(r.URL.Query(), "id", 10)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	info := reportInfo{ID: int(id)}
	var buf bytes.Buffer
	lw := &limitedWriter{Writer: &buf, N: maxReportBytes}
	_, err = v.diagnose(int(id), lw)
	switch {
	case errors.Is(err, unwind.ErrPrecondition):
		info.Skipped = err.Error()
	case errors.Is(err, io.EOF):
		info.Truncated = true
	case err != nil:
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	info.Report = buf.String()
	if err := reportTemplate.Execute(w, info); err != nil {
		log.Print(err)
	}
}

func (v *viewer) profileHandler(w http.ResponseWriter, r *http.Request) {
	id, err := lookupParam(r.URL.Query(), "id", 10)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	sum, err := v.diagnose(int(id), io.Discard)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	if err := pprofexport.Write(&buf, sum); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=thread%d.pb.gz", id))
	w.Write(buf.Bytes())
}

func (v *viewer) register(mux *http.ServeMux) {
	mux.HandleFunc("/", v.threadsHandler)
	mux.HandleFunc("/thread", v.threadHandler)
	mux.HandleFunc("/thread.pb.gz", v.profileHandler)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: unwindview corefile [executable]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			log.Fatal(err)
		}
	}
	if *debugLevel > 0 {
		cfg.DebugLevel = *debugLevel
	}
	cfg.InstallDebugLogf(log.Printf)

	var corename, execname string
	args := flag.Args()
	switch len(args) {
	case 1:
		corename = args[0]
	case 2:
		corename = args[0]
		execname = args[1]
	default:
		usage()
	}

	fmt.Println("Loading...")
	program, err := corefile.Open(corename, cfg.OpenOptions(execname))
	if err != nil {
		log.Fatal(err)
	}
	defer program.Close()

	v := &viewer{
		s:    corefile.NewSession(program, cfg.SessionOptions()),
		opts: cfg.ReportOptions(),
	}
	v.register(http.DefaultServeMux)
	fmt.Printf("Ready. Point your browser to localhost:%d\n", *serverPort)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", *serverPort), nil); err != nil {
		log.Fatal(err)
	}
}
