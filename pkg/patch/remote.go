package patch

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// PatchURL is where numeric patch IDs are fetched from.
var PatchURL = "https://patches.kibab.com/patches/dn.php5?id=%d"

// ByID fetches a patch from the patch archive.
func ByID(id int) (*Patch, error) {
	url := fmt.Sprintf(PatchURL, id)
	response, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("error fetching the patch #%d: %w", id, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error fetching the patch #%d: %s", id, response.Status)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading the patch #%d body: %w", id, err)
	}
	p, err := FromString(string(body))
	if err != nil {
		return nil, fmt.Errorf("patch #%d: %w", id, err)
	}
	return p, nil
}

// Load treats a numeric name as an archive ID and anything else as a file.
func Load(name string) (*Patch, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return ByID(id)
	}
	return FromFile(name)
}
