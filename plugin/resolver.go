package plugin

import (
	"fmt"
	"sort"
)

// ResolveOrder returns the batch's manifests in dependency order: every
// plugin appears after all of its dependencies. The order is deterministic;
// ties break by ascending id. types maps each batch id to its plugin type,
// and registered reports plugins already present in the host (so a batch
// member may depend on something loaded earlier).
//
// Fails with ErrCyclicDependency (naming a cycle member),
// ErrMissingDependency (naming the absent id), or ErrManifestInvalid when a
// builtin declares a dependency on an external plugin; builtin load order
// must never wait on code that may not be installed.
func ResolveOrder(batch []Manifest, types map[string]Type, registered func(id string) (Type, bool)) ([]Manifest, error) {
	byID := make(map[string]Manifest, len(batch))
	ids := make([]string, 0, len(batch))
	for _, m := range batch {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)

	if registered == nil {
		registered = func(string) (Type, bool) { return "", false }
	}

	typeOf := func(id string) (Type, bool) {
		if t, ok := types[id]; ok {
			return t, true
		}
		return registered(id)
	}

	// States: 0 unvisited, 1 visiting, 2 done.
	state := make(map[string]int, len(batch))
	order := make([]Manifest, 0, len(batch))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("%w involving %q", ErrCyclicDependency, id)
		}
		state[id] = 1

		m := byID[id]
		selfType, _ := typeOf(id)

		deps := append([]string(nil), m.Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			depType, known := typeOf(dep)
			if !known {
				return fmt.Errorf("%w: %q requires %q", ErrMissingDependency, id, dep)
			}
			if selfType == TypeBuiltin && depType == TypeExternal {
				return fmt.Errorf("%w: builtin %q may not depend on external plugin %q", ErrManifestInvalid, id, dep)
			}
			if _, inBatch := byID[dep]; inBatch {
				if err := visit(dep); err != nil {
					return err
				}
			}
			// Deps outside the batch are already registered; nothing to order.
		}

		state[id] = 2
		order = append(order, m)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}
