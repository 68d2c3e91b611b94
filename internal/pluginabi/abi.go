// Package pluginabi loads a stage's transformation logic from a shared
// library and calls it through the plugin ABI: a fixed set of
// C-callable symbols (init_plugin, process_batch, cleanup_plugin,
// get_plugin_info) operating on a PluginContext carrying plugin-private
// state, a params string, and two logging callbacks.
//
// This package is the only place in the runtime that crosses into C; a
// crash inside a loaded plugin's process_batch is a worker-process
// crash, never a Go panic, which is exactly the isolation property the
// surrounding worker-process design depends on.
package pluginabi

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

typedef struct {
	int32_t id;
	char    name[100];
	double  value;
	int32_t category;
} abi_record_t;

typedef struct {
	abi_record_t *records;
	uint64_t      count;
	uint64_t      capacity;
	int32_t       batch_id;
} abi_batch_t;

typedef struct {
	void        *user_data;
	char        *config_params;
	void (*log_info)(const char *);
	void (*log_error)(const char *);
} abi_context_t;

typedef int         (*abi_init_fn)(abi_context_t *);
typedef void        (*abi_cleanup_fn)(abi_context_t *);
typedef int         (*abi_process_fn)(abi_batch_t *, abi_context_t *);
typedef const char *(*abi_info_fn)(const char *);

static int abi_call_init(void *fn, abi_context_t *ctx) {
	return ((abi_init_fn)fn)(ctx);
}
static void abi_call_cleanup(void *fn, abi_context_t *ctx) {
	((abi_cleanup_fn)fn)(ctx);
}
static int abi_call_process(void *fn, abi_batch_t *batch, abi_context_t *ctx) {
	return ((abi_process_fn)fn)(batch, ctx);
}
static const char *abi_call_info(void *fn, const char *kind) {
	return ((abi_info_fn)fn)(kind);
}

extern void pluginLogInfo(char *msg);
extern void pluginLogError(char *msg);

static void abi_bind_log_callbacks(abi_context_t *ctx) {
	ctx->log_info  = pluginLogInfo;
	ctx->log_error = pluginLogError;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// logSink is process-global because exactly one plugin is ever loaded
// per worker process (see internal/worker); the logging callbacks handed to
// the plugin have the fixed C signature void(*)(const char*) and carry
// no context pointer of their own.
var (
	logMu   sync.Mutex
	logSink *zap.Logger
)

//export pluginLogInfo
func pluginLogInfo(msg *C.char) {
	logMu.Lock()
	l := logSink
	logMu.Unlock()
	if l != nil {
		l.Info(C.GoString(msg), zap.String("source", "plugin"))
	}
}

//export pluginLogError
func pluginLogError(msg *C.char) {
	logMu.Lock()
	l := logSink
	logMu.Unlock()
	if l != nil {
		l.Error(C.GoString(msg), zap.String("source", "plugin"))
	}
}

// SetLogSink installs the logger used by the plugin's log_info/log_error
// callbacks for the remainder of the process lifetime.
func SetLogSink(l *zap.Logger) {
	logMu.Lock()
	logSink = l
	logMu.Unlock()
}

// Record mirrors abi_record_t field for field at the C ABI boundary. The
// fields total 116 bytes, but both this struct and abi_record_t use
// natural alignment, so on 64-bit targets each record is padded to 120
// bytes and the plugin sees records 120 bytes apart.
type Record struct {
	ID       int32
	Name     [100]byte
	Value    float64
	Category int32
}

// Batch is the plugin-visible view of a record batch: a pointer to a
// contiguous Record array plus count/capacity/batch_id.
type Batch struct {
	Records  []Record
	Count    uint64
	Capacity uint64
	BatchID  int32
}

// Plugin is a loaded shared library bound to the plugin ABI.
type Plugin struct {
	handle    unsafe.Pointer
	initFn    unsafe.Pointer
	processFn unsafe.Pointer
	cleanupFn unsafe.Pointer
	infoFn    unsafe.Pointer

	ctx    C.abi_context_t
	params *C.char

	mu     sync.Mutex
	closed bool
}

// Open dlopens path and resolves the four required symbols, then calls
// init_plugin with the given params string. Open fails if the library
// cannot be loaded, any symbol is missing, or init_plugin returns
// non-zero.
func Open(path, params string) (*Plugin, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	handle := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_LOCAL)
	if handle == nil {
		return nil, fmt.Errorf("pluginabi: dlopen %s: %s", path, C.GoString(C.dlerror()))
	}

	sym := func(name string) (unsafe.Pointer, error) {
		cname := C.CString(name)
		defer C.free(unsafe.Pointer(cname))
		p := C.dlsym(handle, cname)
		if p == nil {
			return nil, fmt.Errorf("pluginabi: missing symbol %q in %s", name, path)
		}
		return p, nil
	}

	initFn, err := sym("init_plugin")
	if err != nil {
		C.dlclose(handle)
		return nil, err
	}
	processFn, err := sym("process_batch")
	if err != nil {
		C.dlclose(handle)
		return nil, err
	}
	cleanupFn, err := sym("cleanup_plugin")
	if err != nil {
		C.dlclose(handle)
		return nil, err
	}
	infoFn, err := sym("get_plugin_info")
	if err != nil {
		C.dlclose(handle)
		return nil, err
	}

	p := &Plugin{
		handle:    handle,
		initFn:    initFn,
		processFn: processFn,
		cleanupFn: cleanupFn,
		infoFn:    infoFn,
		params:    C.CString(params),
	}
	p.ctx.config_params = p.params
	C.abi_bind_log_callbacks(&p.ctx)

	rc := int(C.abi_call_init(p.initFn, &p.ctx))
	if rc != 0 {
		C.free(unsafe.Pointer(p.params))
		C.dlclose(handle)
		return nil, fmt.Errorf("pluginabi: init_plugin(%s) returned %d", path, rc)
	}
	return p, nil
}

// Info queries one of the plugin's static metadata strings:
// "name"|"version"|"description"|"author".
func (p *Plugin) Info(kind string) string {
	ckind := C.CString(kind)
	defer C.free(unsafe.Pointer(ckind))
	cstr := C.abi_call_info(p.infoFn, ckind)
	if cstr == nil {
		return ""
	}
	return C.GoString(cstr)
}

// Process calls process_batch on batch in place and returns the
// plugin's return code: zero on success, negative on error. Process
// must never be called concurrently with another Process or Close call
// on the same Plugin — the worker's request loop enforces this by
// construction (one in-flight request at a time).
func (p *Plugin) Process(batch *Batch) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, fmt.Errorf("pluginabi: process called after close")
	}
	if len(batch.Records) == 0 {
		return int(C.abi_call_process(p.processFn, &C.abi_batch_t{
			count: C.uint64_t(batch.Count), capacity: C.uint64_t(batch.Capacity), batch_id: C.int32_t(batch.BatchID),
		}, &p.ctx)), nil
	}

	cb := C.abi_batch_t{
		records:  (*C.abi_record_t)(unsafe.Pointer(&batch.Records[0])),
		count:    C.uint64_t(batch.Count),
		capacity: C.uint64_t(batch.Capacity),
		batch_id: C.int32_t(batch.BatchID),
	}
	rc := int(C.abi_call_process(p.processFn, &cb, &p.ctx))
	batch.Count = uint64(cb.count)
	batch.BatchID = int32(cb.batch_id)
	return rc, nil
}

// Close calls cleanup_plugin and dlcloses the library. Safe to call more
// than once.
func (p *Plugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	C.abi_call_cleanup(p.cleanupFn, &p.ctx)
	C.free(unsafe.Pointer(p.params))
	if C.dlclose(p.handle) != 0 {
		return fmt.Errorf("pluginabi: dlclose: %s", C.GoString(C.dlerror()))
	}
	return nil
}
