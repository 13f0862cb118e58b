package wan

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const shardIndex = "diffusion_pytorch_model.safetensors.index.json"

// LooksLikeCheckpointDir reports whether dir holds a Wan checkpoint: a
// config file plus model subdirectories, a VAE or a shard index (which may
// sit one level down).
func LooksLikeCheckpointDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	items := make(map[string]fs.DirEntry, len(entries))
	for _, e := range entries {
		items[e.Name()] = e
	}
	has := func(names ...string) bool {
		for _, n := range names {
			if _, ok := items[n]; ok {
				return true
			}
		}
		return false
	}

	if !has("configuration.json", "config.json") {
		return false
	}
	if has("high_noise_model", "low_noise_model", "google") ||
		has("Wan2.1_VAE.pth", "Wan2.2_VAE.pth") ||
		has(shardIndex) {
		return true
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), shardIndex)); err == nil {
			return true
		}
	}
	return false
}

// canonical release folder names, used to break score ties
var checkpointNameOrder = map[string]int{
	"ti2v-5b":         4,
	"wan2.2-ti2v-5b":  4,
	"s2v-14b":         3,
	"wan2.2-s2v-14b":  3,
	"i2v-a14b":        2,
	"wan2.2-i2v-a14b": 2,
	"t2v-a14b":        1,
	"wan2.2-t2v-a14b": 1,
}

func nameHints(task string) []string {
	t := strings.ToLower(task)
	switch {
	case strings.HasPrefix(t, "t2v"):
		return []string{"Wan2.2-T2V-A14B", "T2V", "t2v"}
	case strings.HasPrefix(t, "i2v"):
		return []string{"Wan2.2-I2V-A14B", "I2V", "i2v"}
	case strings.HasPrefix(t, "ti2v"):
		return []string{"Wan2.2-TI2V-5B", "TI2V", "ti2v"}
	case strings.HasPrefix(t, "s2v"):
		return []string{"Wan2.2-S2V-14B", "S2V", "s2v"}
	}
	return []string{"Wan2.2"}
}

// SuggestCheckpoints scans each root and two levels below it for checkpoint
// directories. Results are ordered by how well the folder name matches task,
// then by canonical release name.
func SuggestCheckpoints(task string, roots []string) []string {
	hints := nameHints(task)
	score := func(p string) int {
		b := strings.ToLower(filepath.Base(p))
		s := 0
		for _, h := range hints {
			if strings.Contains(b, strings.ToLower(h)) {
				s += 2
			}
		}
		if strings.Contains(b, "wan2.2") {
			s++
		}
		return s
	}

	seen := make(map[string]bool)
	var found []string
	consider := func(dir string) {
		if seen[dir] {
			return
		}
		seen[dir] = true
		if LooksLikeCheckpointDir(dir) {
			found = append(found, dir)
		}
	}
	for _, root := range uniqueAbs(roots) {
		consider(root)
		for _, d := range subdirs(root) {
			consider(d)
			for _, dd := range subdirs(d) {
				consider(dd)
			}
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		si, sj := score(found[i]), score(found[j])
		if si != sj {
			return si > sj
		}
		ni := checkpointNameOrder[strings.ToLower(filepath.Base(found[i]))]
		nj := checkpointNameOrder[strings.ToLower(filepath.Base(found[j]))]
		return ni > nj
	})
	return found
}

// FindScripts returns every generate.py within maxScriptDepth of the roots.
func FindScripts(roots []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, root := range uniqueAbs(roots) {
		base := strings.Count(root, string(filepath.Separator))
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() && path != root {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if strings.Count(path, string(filepath.Separator))-base > maxScriptDepth {
					return fs.SkipDir
				}
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return fs.SkipDir
				}
				return nil
			}
			if strings.EqualFold(d.Name(), "generate.py") && !seen[path] {
				seen[path] = true
				out = append(out, path)
			}
			return nil
		})
	}
	return out
}

const maxScriptDepth = 3

func subdirs(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, filepath.Join(root, e.Name()))
		}
	}
	return out
}

func uniqueAbs(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		if !seen[abs] {
			seen[abs] = true
			out = append(out, abs)
		}
	}
	return out
}
