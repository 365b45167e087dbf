package broker

import (
	"reflect"
	"runtime"
	"strings"

	"github.com/JakeFAU/spiderhost/internal/spider"
)

// funcName returns the short name of the target function: the last path
// element of its runtime symbol with the package qualifier removed, e.g.
// "(*Spider).fetch-fm" or "Run.func1". Closure names depend on inlining: a
// closure whose constructor was inlined carries the caller's name as well,
// as in "Test.parked.func1".
func funcName(target spider.Target) string {
	fn := runtime.FuncForPC(reflect.ValueOf(target).Pointer())
	if fn == nil {
		return "thread"
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "thread"
	}
	return name
}
