package fieldpath

import (
	"strconv"
	"strings"
)

// lengthSegment resolves to the length of a string or list.
const lengthSegment = "length"

// Split breaks a dotted path into segments. Empty segments are dropped.
func Split(path string) []string {
	raw := strings.Split(path, ".")
	segs := raw[:0]
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Get resolves path against root. Maps are walked by key, lists by decimal
// index, and "length" on a string or list yields its length. Any miss
// yields Undefined.
func Get(root Value, path string) Value {
	cur := root
	for _, seg := range Split(path) {
		cur = step(cur, seg)
		if cur.kind == KindUndefined {
			return Undefined
		}
	}
	return cur
}

func step(v Value, seg string) Value {
	switch v.kind {
	case KindMap:
		if child, ok := v.m[seg]; ok {
			return child
		}
		return Undefined
	case KindList:
		if seg == lengthSegment {
			return Number(float64(len(v.list)))
		}
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v.list) {
			return Undefined
		}
		return v.list[idx]
	case KindString:
		if seg == lengthSegment {
			n, _ := v.Len()
			return Number(float64(n))
		}
	}
	return Undefined
}

// Set returns a copy of root with path assigned to val. Intermediate maps
// are created as needed; scalars in the way are replaced by maps. root is
// never modified.
func Set(root Value, path string, val Value) Value {
	segs := Split(path)
	if len(segs) == 0 {
		return val
	}
	return setAt(root, segs, val)
}

func setAt(node Value, segs []string, val Value) Value {
	if len(segs) == 0 {
		return val
	}
	seg, rest := segs[0], segs[1:]

	if node.kind == KindList {
		if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 && idx < len(node.list) {
			items := append([]Value(nil), node.list...)
			items[idx] = setAt(items[idx], rest, val)
			return Value{kind: KindList, list: items}
		}
	}

	m := make(map[string]Value)
	if node.kind == KindMap {
		for k, v := range node.m {
			m[k] = v
		}
	}
	m[seg] = setAt(m[seg], rest, val)
	return Value{kind: KindMap, m: m}
}

// Delete returns a copy of root with path removed. Missing paths are a no-op.
func Delete(root Value, path string) Value {
	segs := Split(path)
	if len(segs) == 0 {
		return root
	}
	return deleteAt(root, segs)
}

func deleteAt(node Value, segs []string) Value {
	if node.kind != KindMap {
		return node
	}
	child, ok := node.m[segs[0]]
	if !ok {
		return node
	}
	m := make(map[string]Value, len(node.m))
	for k, v := range node.m {
		m[k] = v
	}
	if len(segs) == 1 {
		delete(m, segs[0])
	} else {
		m[segs[0]] = deleteAt(child, segs[1:])
	}
	return Value{kind: KindMap, m: m}
}
