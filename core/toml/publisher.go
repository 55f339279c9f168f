package toml

import (
	"net/http"

	gotoml "github.com/pelletier/go-toml/v2"
)

// Publisher renders an AnchorInfo as a stellar.toml document.
type Publisher struct {
	info *AnchorInfo
}

func NewPublisher(info *AnchorInfo) *Publisher {
	return &Publisher{info: info}
}

func (p *Publisher) Render() (string, error) {
	out, err := gotoml.Marshal(p.info)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Handler serves the document at /.well-known/stellar.toml.
func (p *Publisher) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := p.Render()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}
}
