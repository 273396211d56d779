package executil

import "context"

// Fake is a scripted Runner for tests. Responses are consumed in call order;
// once exhausted, the zero Result (exit 0, empty output) is returned.
type Fake struct {
	Responses []Result
	Calls     [][]string
	n         int
}

func (f *Fake) Run(_ context.Context, argv ...string) (Result, error) {
	f.Calls = append(f.Calls, append([]string(nil), argv...))
	if f.n < len(f.Responses) {
		r := f.Responses[f.n]
		f.n++
		r.Argv = argv
		return r, nil
	}
	return Result{Argv: argv, ExitCode: 0}, nil
}
