package chunkdecoder

// FieldProjection restricts record decoding to a subset of a message's
// fields without paying to decompress buckets that hold only unselected
// top-level fields.
//
// A nil or empty FieldProjection means "project everything": the zero
// value is the identity projection.
type FieldProjection struct {
	// Paths are sequences of protobuf field numbers identifying a field or
	// a message nested arbitrarily deep. An empty Paths slice means
	// project the whole record.
	Paths []FieldPath
}

// FieldPath is one field selector: a sequence of field numbers walking
// into nested messages, terminated by how the matched field should be
// kept.
type FieldPath struct {
	Tags []int32

	// ExistsOnly, if set, keeps only a presence marker for the matched
	// field: each occurrence is emitted as an empty length-delimited
	// value rather than its original content. If unset, the entire value
	// (including all subfields of a submessage) is kept.
	ExistsOnly bool
}

// IncludesEverything reports whether p selects the entire record.
func (p FieldProjection) IncludesEverything() bool {
	return len(p.Paths) == 0
}

// node is an internal trie over field-number paths, built once per
// projection and consulted while walking a chunk's field tree. A node's
// terminal state records how a path ending there keeps its field; interior
// nodes (reached mid-path) keep the field but restrict its subfields to
// the children below.
type node struct {
	keepSubtree bool
	existsOnly  bool
	children    map[int32]*node
}

// buildTrie compiles p into a lookup trie. A nil result (for the identity
// projection) means "keep everything" without needing a trie walk.
func buildTrie(p FieldProjection) *node {
	if p.IncludesEverything() {
		return nil
	}
	root := &node{children: map[int32]*node{}}
	for _, path := range p.Paths {
		cur := root
		for i, tag := range path.Tags {
			child, ok := cur.children[tag]
			if !ok {
				child = &node{children: map[int32]*node{}}
				cur.children[tag] = child
			}
			if i == len(path.Tags)-1 {
				if path.ExistsOnly {
					child.existsOnly = true
				} else {
					child.keepSubtree = true
				}
			}
			cur = child
		}
	}
	return root
}

// includes reports how the field numbered tag under n should be treated:
// dropped entirely (keep == false), kept with only a presence marker
// (existsOnly == true), or kept with sub restricting which of its
// subfields survive (sub == nil keeps the whole value).
func (n *node) includes(tag int32) (keep, existsOnly bool, sub *node) {
	if n == nil {
		return true, false, nil
	}
	child, ok := n.children[tag]
	if !ok {
		return false, false, nil
	}
	if child.keepSubtree {
		// A keep-subtree terminal subsumes any deeper, narrower paths.
		return true, false, nil
	}
	if len(child.children) > 0 {
		return true, false, child
	}
	return true, child.existsOnly, nil
}
