package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPortainerInstances    = []byte("portainer_instances")
	bucketDeployedImages        = []byte("deployed_images")
	bucketRegistryImageVersions = []byte("registry_image_versions")
	bucketContainers            = []byte("containers")
)

func domainBuckets() [][]byte {
	return [][]byte{
		bucketPortainerInstances,
		bucketDeployedImages,
		bucketRegistryImageVersions,
		bucketContainers,
	}
}

// ============================================================
// PortainerInstance
// ============================================================

// CreatePortainerInstance persists a new instance under its owner.
func (s *Store) CreatePortainerInstance(inst PortainerInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal portainer instance: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPortainerInstances)
		return b.Put(tenantKey(inst.UserID, inst.ID), data)
	})
}

// GetPortainerInstance retrieves one instance scoped to its owner.
func (s *Store) GetPortainerInstance(userID, id string) (*PortainerInstance, error) {
	var inst PortainerInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPortainerInstances)
		v := b.Get(tenantKey(userID, id))
		if v == nil {
			return fmt.Errorf("portainer instance %q not found", id)
		}
		return json.Unmarshal(v, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListPortainerInstances returns every instance owned by userID.
func (s *Store) ListPortainerInstances(userID string) ([]PortainerInstance, error) {
	var out []PortainerInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPortainerInstances)
		prefix := tenantPrefix(userID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var inst PortainerInstance
			if err := json.Unmarshal(v, &inst); err != nil {
				continue
			}
			out = append(out, inst)
		}
		return nil
	})
	return out, err
}

// UpdatePortainerInstance overwrites an existing instance record.
func (s *Store) UpdatePortainerInstance(inst PortainerInstance) error {
	return s.CreatePortainerInstance(inst)
}

// DeletePortainerInstance removes the instance and cascades to every
// container recorded against it (but not to deployed_images, per the
// spec's explicit non-cascade).
func (s *Store) DeletePortainerInstance(userID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ib := tx.Bucket(bucketPortainerInstances)
		if err := ib.Delete(tenantKey(userID, id)); err != nil {
			return err
		}

		cb := tx.Bucket(bucketContainers)
		prefix := tenantPrefix(userID)
		var toDelete [][]byte
		c := cb.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ct Container
			if err := json.Unmarshal(v, &ct); err != nil {
				continue
			}
			if ct.PortainerInstanceID == id {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
		}
		for _, k := range toDelete {
			if err := cb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================
// DeployedImage
// ============================================================

// UpsertDeployedImage inserts or updates a deployed image keyed by its
// natural uniqueness (userId, imageRepo, imageTag, imageDigest), updating
// lastSeen and preserving the original firstSeen.
func (s *Store) UpsertDeployedImage(img DeployedImage) (*DeployedImage, error) {
	var result DeployedImage
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployedImages)
		prefix := tenantPrefix(img.UserID)
		c := b.Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var existing DeployedImage
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if existing.ImageRepo == img.ImageRepo && existing.ImageTag == img.ImageTag && existing.ImageDigest == img.ImageDigest {
				img.ID = existing.ID
				img.FirstSeen = existing.FirstSeen
				if img.LastSeen.IsZero() {
					img.LastSeen = time.Now().UTC()
				}
				data, err := json.Marshal(img)
				if err != nil {
					return err
				}
				result = img
				return b.Put(tenantKey(img.UserID, img.ID), data)
			}
		}

		if img.FirstSeen.IsZero() {
			img.FirstSeen = time.Now().UTC()
		}
		if img.LastSeen.IsZero() {
			img.LastSeen = img.FirstSeen
		}
		data, err := json.Marshal(img)
		if err != nil {
			return err
		}
		result = img
		return b.Put(tenantKey(img.UserID, img.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetDeployedImage retrieves a deployed image by ID.
func (s *Store) GetDeployedImage(userID, id string) (*DeployedImage, error) {
	var img DeployedImage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployedImages)
		v := b.Get(tenantKey(userID, id))
		if v == nil {
			return fmt.Errorf("deployed image %q not found", id)
		}
		return json.Unmarshal(v, &img)
	})
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// ListDeployedImages returns every deployed image for userID.
func (s *Store) ListDeployedImages(userID string) ([]DeployedImage, error) {
	var out []DeployedImage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployedImages)
		prefix := tenantPrefix(userID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var img DeployedImage
			if err := json.Unmarshal(v, &img); err != nil {
				continue
			}
			out = append(out, img)
		}
		return nil
	})
	return out, err
}

// DeleteOrphanedDeployedImages removes every deployed image no longer
// referenced by any container, called on every container-cleanup pass.
func (s *Store) DeleteOrphanedDeployedImages(userID string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketContainers)
		referenced := make(map[string]bool)
		prefix := tenantPrefix(userID)
		cc := cb.Cursor()
		for k, v := cc.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cc.Next() {
			var ct Container
			if err := json.Unmarshal(v, &ct); err != nil {
				continue
			}
			if ct.DeployedImageID != "" {
				referenced[ct.DeployedImageID] = true
			}
		}

		db := tx.Bucket(bucketDeployedImages)
		var toDelete [][]byte
		dc := db.Cursor()
		for k, v := dc.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = dc.Next() {
			var img DeployedImage
			if err := json.Unmarshal(v, &img); err != nil {
				continue
			}
			if !referenced[img.ID] {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
		}
		for _, k := range toDelete {
			if err := db.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ============================================================
// RegistryImageVersion
// ============================================================

// UpsertRegistryImageVersion inserts or updates a registry version row
// keyed by its natural uniqueness (userId, imageRepo, tag).
func (s *Store) UpsertRegistryImageVersion(riv RegistryImageVersion) (*RegistryImageVersion, error) {
	var result RegistryImageVersion
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegistryImageVersions)
		prefix := tenantPrefix(riv.UserID)
		c := b.Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var existing RegistryImageVersion
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if existing.ImageRepo == riv.ImageRepo && existing.Tag == riv.Tag {
				riv.ID = existing.ID
				data, err := json.Marshal(riv)
				if err != nil {
					return err
				}
				result = riv
				return b.Put(tenantKey(riv.UserID, riv.ID), data)
			}
		}

		data, err := json.Marshal(riv)
		if err != nil {
			return err
		}
		result = riv
		return b.Put(tenantKey(riv.UserID, riv.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRegistryImageVersion looks up the resolved upstream state for an
// image coordinate by (userId, imageRepo, tag).
func (s *Store) GetRegistryImageVersion(userID, imageRepo, tag string) (*RegistryImageVersion, error) {
	var found *RegistryImageVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegistryImageVersions)
		prefix := tenantPrefix(userID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var riv RegistryImageVersion
			if err := json.Unmarshal(v, &riv); err != nil {
				continue
			}
			if riv.ImageRepo == imageRepo && riv.Tag == tag {
				found = &riv
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("registry image version for %q:%q not found", imageRepo, tag)
	}
	return found, nil
}

// ListRegistryImageVersions returns every tracked registry version for userID.
func (s *Store) ListRegistryImageVersions(userID string) ([]RegistryImageVersion, error) {
	var out []RegistryImageVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegistryImageVersions)
		prefix := tenantPrefix(userID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var riv RegistryImageVersion
			if err := json.Unmarshal(v, &riv); err != nil {
				continue
			}
			out = append(out, riv)
		}
		return nil
	})
	return out, err
}

// ============================================================
// Container
// ============================================================

// UpsertContainer inserts or updates a container row keyed by its natural
// uniqueness (userId, containerId, portainerInstanceId, endpointId).
func (s *Store) UpsertContainer(ct Container) (*Container, error) {
	var result Container
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		prefix := tenantPrefix(ct.UserID)
		c := b.Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var existing Container
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if existing.ContainerID == ct.ContainerID && existing.PortainerInstanceID == ct.PortainerInstanceID && existing.EndpointID == ct.EndpointID {
				ct.ID = existing.ID
				data, err := json.Marshal(ct)
				if err != nil {
					return err
				}
				result = ct
				return b.Put(tenantKey(ct.UserID, ct.ID), data)
			}
		}

		data, err := json.Marshal(ct)
		if err != nil {
			return err
		}
		result = ct
		return b.Put(tenantKey(ct.UserID, ct.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetContainer retrieves a container by ID.
func (s *Store) GetContainer(userID, id string) (*Container, error) {
	var ct Container
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		v := b.Get(tenantKey(userID, id))
		if v == nil {
			return fmt.Errorf("container %q not found", id)
		}
		return json.Unmarshal(v, &ct)
	})
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

// ListContainers returns every container for userID, optionally filtered
// to one Portainer instance (pass "" for all).
func (s *Store) ListContainers(userID, portainerInstanceID string) ([]Container, error) {
	var out []Container
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		prefix := tenantPrefix(userID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ct Container
			if err := json.Unmarshal(v, &ct); err != nil {
				continue
			}
			if portainerInstanceID != "" && ct.PortainerInstanceID != portainerInstanceID {
				continue
			}
			out = append(out, ct)
		}
		return nil
	})
	return out, err
}

// DeleteStaleContainers removes containers for userID not seen since
// olderThan, mirroring the 7-day poll-absence lifecycle rule.
func (s *Store) DeleteStaleContainers(userID string, olderThan time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		prefix := tenantPrefix(userID)
		var toDelete [][]byte
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ct Container
			if err := json.Unmarshal(v, &ct); err != nil {
				continue
			}
			if ct.LastSeen.Before(olderThan) {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// GetContainersWithUpdates joins containers, deployed_images and
// registry_image_versions on (userId, imageRepo, imageTag=tag) and
// returns one row per container carrying both digests. hasUpdate is
// intentionally absent here — callers compute it via detector.ComputeHasUpdate.
func (s *Store) GetContainersWithUpdates(userID, portainerURL string) ([]ContainerWithUpdate, error) {
	containers, err := s.ListContainers(userID, "")
	if err != nil {
		return nil, err
	}
	images, err := s.ListDeployedImages(userID)
	if err != nil {
		return nil, err
	}
	versions, err := s.ListRegistryImageVersions(userID)
	if err != nil {
		return nil, err
	}

	imagesByID := make(map[string]DeployedImage, len(images))
	for _, img := range images {
		imagesByID[img.ID] = img
	}
	versionsByRepoTag := make(map[string]RegistryImageVersion, len(versions))
	for _, v := range versions {
		versionsByRepoTag[v.ImageRepo+"\x00"+v.Tag] = v
	}

	var out []ContainerWithUpdate
	for _, ct := range containers {
		if portainerURL != "" {
			inst, err := s.GetPortainerInstance(userID, ct.PortainerInstanceID)
			if err != nil || inst.URL != portainerURL {
				continue
			}
		}
		img, ok := imagesByID[ct.DeployedImageID]
		if !ok {
			continue
		}
		riv, ok := versionsByRepoTag[img.ImageRepo+"\x00"+img.ImageTag]
		row := ContainerWithUpdate{
			Container:     ct,
			CurrentDigest: img.ImageDigest,
		}
		if ok {
			row.LatestDigest = riv.LatestDigest
			row.NoDigest = riv.NoDigest
		} else {
			row.NoDigest = true
		}
		out = append(out, row)
	}
	return out, nil
}
