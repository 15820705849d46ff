// Package directive translates a job's #BB/#DW script directives or
// interactive burst-buffer flag string into a canonical, normalized
// representation (spec.md §4.1). It is a single-pass scanner: lines
// are read once, in order, and folded directly into the result. There
// are no back-references, matching the generator-style emission the
// original plugin used.
package directive

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/hpc-tools/dws-burstbuffer/pkg/bberrors"
)

// OpKind enumerates the persistent-buffer sub-operations a plan may carry.
type OpKind string

const (
	OpCreate  OpKind = "create"
	OpDestroy OpKind = "destroy"
	OpUse     OpKind = "use"
)

// PersistentOp is one #BB create_persistent / destroy_persistent /
// #DW persistentdw directive (spec.md §3 BufferPlan.PersistentOp).
type PersistentOp struct {
	Name      string
	Op        OpKind
	SizeBytes int64
	Access    string
	Type      string
	Hurry     bool
}

// GenericResource is one requested {name, count} pair (spec.md §3).
type GenericResource struct {
	Name  string
	Count int64
}

// Spec is the normalized burst-buffer request extracted from a job's
// directives. The zero value means "no burst-buffer request".
type Spec struct {
	TotalBytes int64 // job-scratch size, including rolled-in swap bytes
	JobBytes   int64 // just the #DW jobdw component, before swap
	Access     string
	Type       string

	SwapGiB   int64
	SwapNodes int64

	GRES []GenericResource

	Persistent []PersistentOp

	// Raw is the canonical, whitespace-separated string this Spec
	// encodes to. It is the durable representation: everything past
	// admission re-reads Raw via Decode rather than the original
	// script or interactive flags.
	Raw string
}

// Empty reports whether the job requested no burst-buffer resources
// at all, in which case no BufferPlan should be created for it.
func (s *Spec) Empty() bool {
	return s == nil || (s.TotalBytes == 0 && len(s.GRES) == 0 && len(s.Persistent) == 0)
}

// Policy gates who may request persistent-buffer create/destroy
// (spec.md §4.1: "only privileged submitters, or all submitters when
// a site flag enables persistence").
type Policy struct {
	Privileged           map[uint32]bool
	AllowUserPersistence bool
}

func (p Policy) allowed(uid uint32) bool {
	if p.AllowUserPersistence {
		return true
	}
	return p.Privileged[uid]
}

// Parse scans a job script body, recognizing #BB/#DW directive lines
// up to the first non-# line, and returns the normalized Spec. uid is
// the submitting user, used to gate persistent create/destroy.
func Parse(scriptBody string, uid uint32, policy Policy) (*Spec, error) {
	spec := &Spec{}
	for _, line := range strings.Split(scriptBody, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		if err := parseLine(trimmed, uid, policy, spec); err != nil {
			return nil, err
		}
	}
	spec.Raw = Encode(spec)
	return spec, nil
}

// ParseInteractive parses a single free-form line carrying capacity=
// and swap= tokens, as accepted for interactive (non-script) jobs.
// Persistent create/destroy are not expressible interactively.
func ParseInteractive(line string, nodeCount int64) (*Spec, error) {
	spec := &Spec{}
	tokens, err := tokenize(line)
	if err != nil {
		return nil, err
	}
	if capacity, ok := tokens["capacity"]; ok {
		if err := applyCapacity(spec, capacity, tokens["access_mode"], tokens["type"]); err != nil {
			return nil, err
		}
	}
	if swap, ok := tokens["swap"]; ok {
		if err := applySwap(spec, swap, nodeCount); err != nil {
			return nil, err
		}
	}
	spec.Raw = Encode(spec)
	return spec, nil
}

func parseLine(line string, uid uint32, policy Policy, spec *Spec) error {
	switch {
	case strings.HasPrefix(line, "#BB create_persistent"):
		return parseCreatePersistent(line, uid, policy, spec)
	case strings.HasPrefix(line, "#BB destroy_persistent"):
		return parseDestroyPersistent(line, uid, policy, spec)
	case strings.HasPrefix(line, "#DW jobdw"):
		return parseJobDW(line, spec)
	case strings.HasPrefix(line, "#DW swap"):
		return parseSwapLine(line, spec)
	case strings.HasPrefix(line, "#DW persistentdw"):
		return parsePersistentUse(line, spec)
	default:
		// Unrecognized #BB/#DW directive or unrelated comment; ignored.
		return nil
	}
}

func parseCreatePersistent(line string, uid uint32, policy Policy, spec *Spec) error {
	if !policy.allowed(uid) {
		return bberrors.New(bberrors.PermissionDenied, "invalid request")
	}
	tokens, err := tokenize(line)
	if err != nil {
		return err
	}
	name := tokens["name"]
	if name == "" {
		return bberrors.New(bberrors.InvalidRequest, "create_persistent requires name=")
	}
	if len(name) > 0 && unicode.IsDigit(rune(name[0])) {
		return bberrors.New(bberrors.InvalidRequest, "persistent buffer name %q must not begin with a digit", name)
	}
	capacity, ok := tokens["capacity"]
	if !ok {
		return bberrors.New(bberrors.InvalidRequest, "create_persistent requires capacity=")
	}
	size, err := parseByteQuantity(capacity)
	if err != nil {
		return bberrors.Wrap(bberrors.InvalidRequest, err, "create_persistent capacity=%s", capacity)
	}
	spec.Persistent = append(spec.Persistent, PersistentOp{
		Name:      name,
		Op:        OpCreate,
		SizeBytes: size,
		Access:    tokens["access"],
		Type:      tokens["type"],
	})
	return nil
}

func parseDestroyPersistent(line string, uid uint32, policy Policy, spec *Spec) error {
	if !policy.allowed(uid) {
		return bberrors.New(bberrors.PermissionDenied, "invalid request")
	}
	tokens, err := tokenize(line)
	if err != nil {
		return err
	}
	name := tokens["name"]
	if name == "" {
		return bberrors.New(bberrors.InvalidRequest, "destroy_persistent requires name=")
	}
	_, hurry := tokens["hurry"]
	spec.Persistent = append(spec.Persistent, PersistentOp{
		Name:  name,
		Op:    OpDestroy,
		Hurry: hurry,
	})
	return nil
}

func parseJobDW(line string, spec *Spec) error {
	tokens, err := tokenize(line)
	if err != nil {
		return err
	}
	capacity, ok := tokens["capacity"]
	if !ok {
		return bberrors.New(bberrors.InvalidRequest, "jobdw requires capacity=")
	}
	return applyCapacity(spec, capacity, tokens["access_mode"], tokens["type"])
}

func applyCapacity(spec *Spec, capacity, access, typ string) error {
	if nodes, isMarker := parseNodeMarker(capacity); isMarker {
		spec.GRES = append(spec.GRES, GenericResource{Name: "nodes", Count: nodes})
		return nil
	}
	size, err := parseByteQuantity(capacity)
	if err != nil {
		return bberrors.Wrap(bberrors.InvalidRequest, err, "jobdw capacity=%s", capacity)
	}
	spec.JobBytes += size
	spec.TotalBytes += size
	if access != "" {
		spec.Access = access
	}
	if typ != "" {
		spec.Type = typ
	}
	return nil
}

func parseSwapLine(line string, spec *Spec) error {
	// #DW swap S - S is a bare positional value, not a key=value pair.
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return bberrors.New(bberrors.InvalidRequest, "swap directive requires a size in GiB")
	}
	return applySwap(spec, fields[2], 0)
}

func applySwap(spec *Spec, gibStr string, nodeCount int64) error {
	gib, err := strconv.ParseInt(gibStr, 10, 64)
	if err != nil {
		return bberrors.Wrap(bberrors.InvalidRequest, err, "swap=%s", gibStr)
	}
	spec.SwapGiB = gib
	spec.SwapNodes = nodeCount
	spec.TotalBytes += gib * spec.SwapNodes * (1 << 30)
	return nil
}

// ResolveSwap rolls swap bytes into TotalBytes once the job's actual
// node count is known (script directives don't carry it themselves).
func (s *Spec) ResolveSwap(nodeCount int64) {
	if s.SwapGiB == 0 {
		return
	}
	if s.SwapNodes != 0 {
		s.TotalBytes -= s.SwapGiB * s.SwapNodes * (1 << 30)
	}
	s.SwapNodes = nodeCount
	s.TotalBytes += s.SwapGiB * s.SwapNodes * (1 << 30)
	s.Raw = Encode(s)
}

func parsePersistentUse(line string, spec *Spec) error {
	tokens, err := tokenize(line)
	if err != nil {
		return err
	}
	name := tokens["name"]
	if name == "" {
		return bberrors.New(bberrors.InvalidRequest, "persistentdw requires name=")
	}
	spec.Persistent = append(spec.Persistent, PersistentOp{Name: name, Op: OpUse})
	return nil
}

// parseNodeMarker recognizes the "<n>nodes" capacity form used to
// request a per-node generic-resource allocation rather than a byte
// quantity (spec.md §4.1: "Capacity may be either a byte-oriented
// quantity or a node-count marker bit").
func parseNodeMarker(capacity string) (int64, bool) {
	lower := strings.ToLower(capacity)
	if !strings.HasSuffix(lower, "nodes") {
		return 0, false
	}
	numPart := strings.TrimSuffix(lower, "nodes")
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

var byteUnits = []struct {
	suffix string
	factor int64
}{
	{"TiB", 1 << 40}, {"TB", 1e12},
	{"GiB", 1 << 30}, {"GB", 1e9},
	{"MiB", 1 << 20}, {"MB", 1e6},
	{"KiB", 1 << 10}, {"KB", 1e3},
	{"B", 1},
}

// parseByteQuantity parses values like "1GiB", "500MB", or a bare
// integer (bytes). The numeric part must be an integer so that
// SIZE totals stay exact - no fractional GiB/GB requests.
func parseByteQuantity(s string) (int64, error) {
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			numPart := strings.TrimSuffix(s, u.suffix)
			n, err := strconv.ParseInt(numPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid capacity value %q", s)
			}
			return n * u.factor, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid capacity value %q", s)
	}
	return n, nil
}

// tokenize splits a directive line into key=value pairs after the
// leading #BB/#DW <subcommand> tokens. Bare flags (no '=') are
// recorded with an empty value: presence is checked with a map
// lookup ("_, hurry := tokens["hurry"]").
func tokenize(line string) (map[string]string, error) {
	fields := strings.Fields(line)
	tokens := make(map[string]string, len(fields))
	for _, f := range fields {
		if strings.HasPrefix(f, "#") || f == "BB" || f == "DW" {
			continue
		}
		if eq := strings.IndexByte(f, '='); eq >= 0 {
			tokens[f[:eq]] = f[eq+1:]
		} else {
			tokens[f] = ""
		}
	}
	return tokens, nil
}

// Encode renders a Spec into its canonical, whitespace-separated
// string form (spec.md §4.1). Field order is fixed so Encode is
// stable across calls with equal Specs - required for the parser
// idempotence property in spec.md §8.
func Encode(s *Spec) string {
	var parts []string
	if s.SwapGiB > 0 {
		parts = append(parts, fmt.Sprintf("SLURM_SWAP=%dGB(%dNodes)", s.SwapGiB, s.SwapNodes))
	}
	if s.JobBytes > 0 || s.Access != "" || s.Type != "" {
		job := fmt.Sprintf("SIZE=%d", s.JobBytes)
		if s.Access != "" {
			job += ",ACCESS=" + s.Access
		}
		if s.Type != "" {
			job += ",TYPE=" + s.Type
		}
		parts = append(parts, "SLURM_JOB="+job)
	}
	gres := make([]GenericResource, len(s.GRES))
	copy(gres, s.GRES)
	sort.Slice(gres, func(i, j int) bool { return gres[i].Name < gres[j].Name })
	for _, g := range gres {
		parts = append(parts, fmt.Sprintf("SLURM_GRES=%s:%d", g.Name, g.Count))
	}
	for _, op := range s.Persistent {
		switch op.Op {
		case OpCreate:
			create := fmt.Sprintf("NAME=%s,SIZE=%d", op.Name, op.SizeBytes)
			if op.Access != "" {
				create += ",ACCESS=" + op.Access
			}
			if op.Type != "" {
				create += ",TYPE=" + op.Type
			}
			parts = append(parts, "SLURM_PERSISTENT_CREATE="+create)
		case OpDestroy:
			destroy := fmt.Sprintf("NAME=%s", op.Name)
			if op.Hurry {
				destroy += ",HURRY"
			}
			parts = append(parts, "SLURM_PERSISTENT_DESTROY="+destroy)
		case OpUse:
			parts = append(parts, fmt.Sprintf("SLURM_PERSISTENT_USE=NAME=%s", op.Name))
		}
	}
	return strings.Join(parts, " ")
}

// Decode parses a canonical string (as produced by Encode) back into
// a Spec. All later processing operates on Decode(job.BurstBufferField())
// rather than re-parsing the original directive.
func Decode(canonical string) (*Spec, error) {
	spec := &Spec{}
	if strings.TrimSpace(canonical) == "" {
		spec.Raw = ""
		return spec, nil
	}
	for _, field := range strings.Fields(canonical) {
		eq := strings.IndexByte(field, '=')
		if eq < 0 {
			return nil, bberrors.New(bberrors.InvalidRequest, "malformed canonical field %q", field)
		}
		key, val := field[:eq], field[eq+1:]
		switch key {
		case "SLURM_SWAP":
			if err := decodeSwap(val, spec); err != nil {
				return nil, err
			}
		case "SLURM_JOB":
			decodeJob(val, spec)
		case "SLURM_GRES":
			decodeGRES(val, spec)
		case "SLURM_PERSISTENT_CREATE":
			decodeCreate(val, spec)
		case "SLURM_PERSISTENT_DESTROY":
			decodeDestroy(val, spec)
		case "SLURM_PERSISTENT_USE":
			decodeUse(val, spec)
		default:
			return nil, bberrors.New(bberrors.InvalidRequest, "unknown canonical field %q", key)
		}
	}
	spec.Raw = Encode(spec)
	return spec, nil
}

func decodeSwap(val string, spec *Spec) error {
	// "<gb>GB(<nodes>Nodes)"
	open := strings.IndexByte(val, '(')
	if open < 0 || !strings.HasSuffix(val, "Nodes)") {
		return bberrors.New(bberrors.InvalidRequest, "malformed SLURM_SWAP=%s", val)
	}
	gibStr := strings.TrimSuffix(val[:open], "GB")
	nodesStr := strings.TrimSuffix(val[open+1:], "Nodes)")
	gib, err1 := strconv.ParseInt(gibStr, 10, 64)
	nodes, err2 := strconv.ParseInt(nodesStr, 10, 64)
	if err1 != nil || err2 != nil {
		return bberrors.New(bberrors.InvalidRequest, "malformed SLURM_SWAP=%s", val)
	}
	spec.SwapGiB = gib
	spec.SwapNodes = nodes
	spec.TotalBytes += gib * nodes * (1 << 30)
	return nil
}

func decodeJob(val string, spec *Spec) {
	for _, kv := range strings.Split(val, ",") {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		k, v := kv[:eq], kv[eq+1:]
		switch k {
		case "SIZE":
			n, _ := strconv.ParseInt(v, 10, 64) //nolint:errcheck
			spec.JobBytes = n
			spec.TotalBytes += n
		case "ACCESS":
			spec.Access = v
		case "TYPE":
			spec.Type = v
		}
	}
}

func decodeGRES(val string, spec *Spec) {
	colon := strings.IndexByte(val, ':')
	if colon < 0 {
		return
	}
	n, _ := strconv.ParseInt(val[colon+1:], 10, 64) //nolint:errcheck
	spec.GRES = append(spec.GRES, GenericResource{Name: val[:colon], Count: n})
}

func decodeCreate(val string, spec *Spec) {
	op := PersistentOp{Op: OpCreate}
	for _, kv := range strings.Split(val, ",") {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		k, v := kv[:eq], kv[eq+1:]
		switch k {
		case "NAME":
			op.Name = v
		case "SIZE":
			op.SizeBytes, _ = strconv.ParseInt(v, 10, 64) //nolint:errcheck
		case "ACCESS":
			op.Access = v
		case "TYPE":
			op.Type = v
		}
	}
	spec.Persistent = append(spec.Persistent, op)
}

func decodeDestroy(val string, spec *Spec) {
	op := PersistentOp{Op: OpDestroy}
	for _, kv := range strings.Split(val, ",") {
		if kv == "HURRY" {
			op.Hurry = true
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq >= 0 && kv[:eq] == "NAME" {
			op.Name = kv[eq+1:]
		}
	}
	spec.Persistent = append(spec.Persistent, op)
}

func decodeUse(val string, spec *Spec) {
	op := PersistentOp{Op: OpUse}
	for _, kv := range strings.Split(val, ",") {
		eq := strings.IndexByte(kv, '=')
		if eq >= 0 && kv[:eq] == "NAME" {
			op.Name = kv[eq+1:]
		}
	}
	spec.Persistent = append(spec.Persistent, op)
}
