package engine

import (
	"fmt"
	"io"
	"os"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/microdata"
	"github.com/hkanpak21/sdcstats/pkg/suppress"
)

// WriteVariables writes, per record, the active codes of the selected
// categorical variables separated by sep
func (e *Engine) WriteVariables(path string, vars []int, sep string) (int64, error) {
	if !e.explored {
		return 0, errcode.Wrap(errcode.NotReady, fmt.Errorf("file not explored"))
	}
	if len(vars) == 0 {
		return 0, errcode.Wrap(errcode.BadDefinition, fmt.Errorf("no variables selected"))
	}
	for _, v := range vars {
		if _, err := e.categorical(v); err != nil {
			return 0, err
		}
	}

	in, r, err := e.openData(e.path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(path)
	if err != nil {
		return 0, errcode.Wrap(errcode.CantOpenFile, err)
	}
	defer out.Close()

	w := microdata.NewWriter(out, microdata.OutFormat{Separator: sep})
	ctx := suppress.NewRecordContext(len(e.vars), 0)
	fields := make([]microdata.Field, len(vars))
	tick := e.ticker(StageExtract)
	var n int64
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
		if err := e.resolve(rec, ctx); err != nil {
			return n, err
		}
		for k, v := range vars {
			fields[k] = microdata.Field{Value: e.vars[v].CodeAt(ctx.Index[v])}
		}
		if err := w.Write(fields); err != nil {
			return n, err
		}
		n++
		tick.tick()
	}
	tick.done()
	if err := w.Flush(); err != nil {
		return n, err
	}
	e.log.Info("wrote variable extract", "path", path, "records", n, "vars", vars)
	return n, nil
}
