package bulk

// Result is the outcome of one item of a bulk run
type Result struct {
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type" yaml:"type"`
	Href    string `json:"href,omitempty" yaml:"href,omitempty"`
	Success bool   `json:"success" yaml:"success"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

func succeeded(item Item) Result {
	return Result{Name: item.Name, Type: item.Type, Href: item.Href, Success: true}
}

func failed(item Item, message string) Result {
	return Result{Name: item.Name, Type: item.Type, Href: item.Href, Success: false, Message: message}
}

// Summary counts the outcomes of a bulk run
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Failures  []Result
}

// Summarize counts results by outcome
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Success {
			s.Succeeded++
			continue
		}
		s.Failed++
		s.Failures = append(s.Failures, r)
	}
	return s
}

// AllSucceeded reports whether nothing failed
func (s Summary) AllSucceeded() bool {
	return s.Failed == 0
}
