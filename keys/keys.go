// Package keys derives composite storage keys from an entity type and its
// identifying attributes.
//
// Every record in the store lives at a (partition key, sort key) pair. Child
// records share their root's partition and carry a type prefix in the sort
// key, so "all repairs of device X" is a single prefix query on
// (DEVICE#X, REPAIR#) without a secondary index.
package keys

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jacentio/fieldops/internal/shard"
)

// EntityType is the tag of the entity sum type.
type EntityType string

// Entity types. The *Assoc types are join records owned by the link
// coordinator; RegionLock records are owned by the region lock.
const (
	Device         EntityType = "DEVICE"
	Config         EntityType = "CONFIG"
	Repair         EntityType = "REPAIR"
	Install        EntityType = "INSTALL"
	Runtime        EntityType = "RUNTIME"
	Sim            EntityType = "SIM"
	SimAssoc       EntityType = "SIM_ASSOC"
	Customer       EntityType = "CUSTOMER"
	Contact        EntityType = "CONTACT"
	Address        EntityType = "ADDRESS"
	Survey         EntityType = "SURVEY"
	SurveyImage    EntityType = "SURVEY_IMAGE"
	Region         EntityType = "REGION"
	RegionLock     EntityType = "REGION_LOCK"
	DeviceAssoc    EntityType = "DEVICE_ASSOC"
	InstallAssoc   EntityType = "INSTALL_ASSOC"
	ContactAssoc   EntityType = "CONTACT_ASSOC"
	ContactInstall EntityType = "CONTACT_INSTALL"
)

// Meta is the sort key of every root record.
const Meta = "META"

// LockSK is the sort key of a region lock record.
const LockSK = "LOCK"

// Attribute names understood by Derive.
const (
	AttrDeviceID       = "deviceId"
	AttrConfigID       = "configId"
	AttrRepairID       = "repairId"
	AttrRuntimeID      = "runtimeId"
	AttrSimID          = "simId"
	AttrInstallationID = "installationId"
	AttrCustomerID     = "customerId"
	AttrContactID      = "contactId"
	AttrAddressID      = "addressId"
	AttrSurveyID       = "surveyId"
	AttrImageID        = "imageId"
	AttrRegionType     = "regionType"
	AttrRegionID       = "regionId"
	AttrParentID       = "parentId"
	AttrCreatedAt      = "createdAt"
	AttrState          = "state"
	AttrDistrict       = "district"
	AttrMandal         = "mandal"
	AttrVillage        = "village"
	AttrHabitation     = "habitation"
)

// rootParent is the parent segment used for top-level regions.
const rootParent = "ROOT"

var (
	// ErrUnknownEntityType is returned for a type outside the defined set.
	ErrUnknownEntityType = errors.New("keys: unknown entity type")

	// ErrMissingAttribute is returned when an identifying attribute is absent.
	ErrMissingAttribute = errors.New("keys: missing attribute")

	// ErrInvalidAttribute is returned when an identifying attribute cannot be
	// embedded in a key (contains the '#' separator or a malformed date).
	ErrInvalidAttribute = errors.New("keys: invalid attribute")
)

// AttributeError reports which attribute made derivation fail.
type AttributeError struct {
	Type      EntityType
	Attribute string
	Err       error
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("%s: %s for %s", e.Err, e.Attribute, e.Type)
}

func (e *AttributeError) Unwrap() error { return e.Err }

// AttributeOf returns the attribute named by an AttributeError in err's
// chain, or "".
func AttributeOf(err error) string {
	var ae *AttributeError
	if errors.As(err, &ae) {
		return ae.Attribute
	}
	return ""
}

// Key is a composite storage key.
type Key struct {
	PK string
	SK string
}

func (k Key) String() string { return k.PK + "|" + k.SK }

// Attrs holds identifying attributes by name.
type Attrs map[string]string

// All returns every defined entity type.
func All() []EntityType {
	return []EntityType{
		Device, Config, Repair, Install, Runtime, Sim, SimAssoc, Customer,
		Contact, Address, Survey, SurveyImage, Region, RegionLock,
		DeviceAssoc, InstallAssoc, ContactAssoc, ContactInstall,
	}
}

// Valid reports whether t is a defined entity type.
func (t EntityType) Valid() bool {
	for _, v := range All() {
		if v == t {
			return true
		}
	}
	return false
}

// Derive maps an entity type and its attributes to a storage key.
// It is pure: the same input always yields the same key.
func Derive(t EntityType, a Attrs) (Key, error) {
	switch t {
	case Device:
		v, err := a.need(t, AttrDeviceID)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: DevicePK(v[0]), SK: Meta}, nil

	case Config, Repair, Runtime:
		idAttr := map[EntityType]string{Config: AttrConfigID, Repair: AttrRepairID, Runtime: AttrRuntimeID}[t]
		v, err := a.need(t, AttrDeviceID, idAttr)
		if err != nil {
			return Key{}, err
		}
		date, err := a.date(t)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: DevicePK(v[0]), SK: Prefix(t) + v[1] + "#" + date}, nil

	case SimAssoc:
		v, err := a.need(t, AttrDeviceID, AttrSimID)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: DevicePK(v[0]), SK: Prefix(t) + v[1]}, nil

	case InstallAssoc:
		v, err := a.need(t, AttrDeviceID, AttrInstallationID)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: DevicePK(v[0]), SK: Prefix(t) + v[1]}, nil

	case Sim:
		v, err := a.need(t, AttrSimID)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: "SIM#" + v[0], SK: Meta}, nil

	case Install:
		v, err := a.need(t, AttrInstallationID)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: InstallPK(v[0]), SK: Meta}, nil

	case DeviceAssoc:
		v, err := a.need(t, AttrInstallationID, AttrDeviceID)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: InstallPK(v[0]), SK: Prefix(t) + v[1]}, nil

	case ContactAssoc:
		v, err := a.need(t, AttrInstallationID, AttrContactID)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: InstallPK(v[0]), SK: Prefix(t) + v[1]}, nil

	case Customer:
		v, err := a.need(t, AttrCustomerID)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: CustomerPK(v[0]), SK: Meta}, nil

	case Contact:
		v, err := a.need(t, AttrContactID)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: ContactPK(v[0]), SK: Meta}, nil

	case ContactInstall:
		v, err := a.need(t, AttrContactID, AttrInstallationID)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: ContactPK(v[0]), SK: Prefix(t) + v[1]}, nil

	case Address:
		v, err := a.need(t, AttrCustomerID, AttrAddressID)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: CustomerPK(v[0]), SK: Prefix(t) + v[1]}, nil

	case Survey:
		v, err := a.need(t, AttrSurveyID)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: SurveyPK(v[0]), SK: Meta}, nil

	case SurveyImage:
		v, err := a.need(t, AttrSurveyID, AttrImageID)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: SurveyPK(v[0]), SK: Prefix(t) + v[1]}, nil

	case Region:
		v, err := a.need(t, AttrRegionType, AttrRegionID)
		if err != nil {
			return Key{}, err
		}
		parent := a[AttrParentID]
		if parent == "" {
			parent = rootParent
		} else if strings.Contains(parent, "#") {
			return Key{}, &AttributeError{Type: t, Attribute: AttrParentID, Err: ErrInvalidAttribute}
		}
		return Key{PK: RegionPK(v[0]), SK: RegionChildPrefix(parent) + v[1]}, nil

	case RegionLock:
		v, err := a.need(t, AttrState, AttrDistrict, AttrMandal, AttrVillage, AttrHabitation)
		if err != nil {
			return Key{}, err
		}
		return Key{PK: "REGION_LOCK#" + shard.RegionComboHash(v...), SK: LockSK}, nil
	}

	return Key{}, fmt.Errorf("%w: %q", ErrUnknownEntityType, t)
}

// MustDerive is Derive for keys built from already-validated identifiers.
// It panics on error.
func MustDerive(t EntityType, a Attrs) Key {
	k, err := Derive(t, a)
	if err != nil {
		panic(err)
	}
	return k
}

// Prefix returns the sort-key prefix of a child type, or "" for root types.
func Prefix(t EntityType) string {
	switch t {
	case Config:
		return "CONFIG#"
	case Repair:
		return "REPAIR#"
	case Runtime:
		return "RUNTIME#"
	case SimAssoc:
		return "SIM_ASSOC#"
	case InstallAssoc, ContactInstall:
		return "INSTALL_ASSOC#"
	case DeviceAssoc:
		return "DEVICE_ASSOC#"
	case ContactAssoc:
		return "CONTACT_ASSOC#"
	case Address:
		return "ADDRESS#"
	case SurveyImage:
		return "IMAGE#"
	case Region:
		return "PARENT#"
	}
	return ""
}

// RegionChildPrefix returns the sort-key prefix selecting every region whose
// parent is parentID.
func RegionChildPrefix(parentID string) string {
	if parentID == "" {
		parentID = rootParent
	}
	return Prefix(Region) + parentID + "#"
}

// DevicePK returns the partition key of a device.
func DevicePK(id string) string { return "DEVICE#" + id }

// InstallPK returns the partition key of an installation.
func InstallPK(id string) string { return "INSTALL#" + id }

// CustomerPK returns the partition key of a customer.
func CustomerPK(id string) string { return "CUSTOMER#" + id }

// ContactPK returns the partition key of a contact.
func ContactPK(id string) string { return "CONTACT#" + id }

// SurveyPK returns the partition key of a survey.
func SurveyPK(id string) string { return "SURVEY#" + id }

// RegionPK returns the partition key holding every region of a type.
func RegionPK(regionType string) string { return "REGION#" + regionType }

// need returns the named attributes in order, failing on the first absent
// or unembeddable one.
func (a Attrs) need(t EntityType, names ...string) ([]string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		v := strings.TrimSpace(a[n])
		if v == "" {
			return nil, &AttributeError{Type: t, Attribute: n, Err: ErrMissingAttribute}
		}
		if strings.Contains(v, "#") {
			return nil, &AttributeError{Type: t, Attribute: n, Err: ErrInvalidAttribute}
		}
		out[i] = v
	}
	return out, nil
}

// date extracts the YYYY-MM-DD creation date embedded in child sort keys.
// createdAt may be a bare date or an RFC 3339 timestamp.
func (a Attrs) date(t EntityType) (string, error) {
	v := strings.TrimSpace(a[AttrCreatedAt])
	if v == "" {
		return "", &AttributeError{Type: t, Attribute: AttrCreatedAt, Err: ErrMissingAttribute}
	}
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts.UTC().Format(time.DateOnly), nil
	}
	if d, err := time.Parse(time.DateOnly, v); err == nil {
		return d.Format(time.DateOnly), nil
	}
	return "", &AttributeError{Type: t, Attribute: AttrCreatedAt, Err: ErrInvalidAttribute}
}
