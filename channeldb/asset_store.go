package channeldb

import (
	"github.com/colorhub/hubd/colored"
)

// FetchAssetSetting returns the settings of an asset.
func (t *LedgerTx) FetchAssetSetting(asset colored.AssetID) (*AssetSetting,
	error) {

	s, err := getRecord[AssetSetting](t.bucket(assetBucket), []byte(asset))
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrAssetSettingNotFound
	}

	return s, nil
}

// PutAssetSetting writes the settings of an asset.
func (t *LedgerTx) PutAssetSetting(s *AssetSetting) error {
	assets, err := t.rwBucket(assetBucket)
	if err != nil {
		return err
	}

	return putRecord(assets, []byte(s.Asset), s)
}

// DeleteAssetSetting removes the settings of an asset.
func (t *LedgerTx) DeleteAssetSetting(asset colored.AssetID) error {
	assets, err := t.rwBucket(assetBucket)
	if err != nil {
		return err
	}
	if assets.Get([]byte(asset)) == nil {
		return ErrAssetSettingNotFound
	}

	return assets.Delete([]byte(asset))
}

// AssetSettings returns every configured asset.
func (t *LedgerTx) AssetSettings() ([]*AssetSetting, error) {
	var settings []*AssetSetting
	err := forEachRecord(t.bucket(assetBucket),
		func(_ []byte, s *AssetSetting) error {
			settings = append(settings, s)
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	return settings, nil
}

// AddPendingSweep records a locked hub output waiting for its CSV delay.
func (t *LedgerTx) AddPendingSweep(p *PendingSweep) error {
	sweeps, err := t.rwBucket(sweepBucket)
	if err != nil {
		return err
	}

	return putRecord(sweeps, outpointKey(p.Coin.OutPoint), p)
}

// RemovePendingSweep drops a swept output.
func (t *LedgerTx) RemovePendingSweep(p *PendingSweep) error {
	sweeps, err := t.rwBucket(sweepBucket)
	if err != nil {
		return err
	}

	return sweeps.Delete(outpointKey(p.Coin.OutPoint))
}

// PendingSweeps returns the outputs waiting to be swept.
func (t *LedgerTx) PendingSweeps() ([]*PendingSweep, error) {
	var sweeps []*PendingSweep
	err := forEachRecord(t.bucket(sweepBucket),
		func(_ []byte, p *PendingSweep) error {
			sweeps = append(sweeps, p)
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	return sweeps, nil
}
