package objtoolkit

// Cache keeps one opened Object per path, the way the original
// mover's loader map avoided re-parsing the same ELF file once for
// every VObj that referenced it. Owned by the placer for the
// duration of one run.
type Cache struct {
	tk      Toolkit
	objects map[string]Object
	order   []string
}

// NewCache returns an empty Cache backed by tk.
func NewCache(tk Toolkit) *Cache {
	return &Cache{tk: tk, objects: make(map[string]Object)}
}

// Open returns the cached Object for path, opening and caching it on
// first use.
func (c *Cache) Open(path string) (Object, error) {
	if obj, ok := c.objects[path]; ok {
		return obj, nil
	}
	obj, err := c.tk.Open(path)
	if err != nil {
		return nil, err
	}
	c.objects[path] = obj
	c.order = append(c.order, path)
	return obj, nil
}

// First returns the first object ever opened through this cache, in
// insertion order. The Image Writer uses it as the template object
// whose ABI (machine, class) the merged output adopts.
func (c *Cache) First() (Object, bool) {
	for _, path := range c.order {
		return c.objects[path], true
	}
	return nil, false
}
